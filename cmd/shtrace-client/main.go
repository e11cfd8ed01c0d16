package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"

	"github.com/shtrace/shtrace/config"
	"github.com/shtrace/shtrace/internal/ws"
	"github.com/shtrace/shtrace/pkg/client"
)

func main() {
	cfg, err := config.Load("config/config.yml")
	if err != nil {
		log.Printf("Failed to load config: %v", err)
	}

	defaultAddr := "localhost:8080"
	if cfg != nil && cfg.Server.Addr != "" {
		if strings.HasPrefix(cfg.Server.Addr, ":") {
			defaultAddr = "localhost" + cfg.Server.Addr
		} else {
			defaultAddr = cfg.Server.Addr
		}
	}

	server := flag.String("server", defaultAddr, "WebSocket server host:port")
	session := flag.String("session", "", "Existing session ID (optional)")
	flag.Parse()

	c := client.New(*server, *session, client.Handler{
		OnSessionStarted: func(ev ws.SessionStartedEvent) {
			if ev.Script != "" {
				fmt.Printf("\ntracing %s (pid %d)\n", ev.Script, ev.PID)
			}
		},
		OnLine: func(ev ws.LineEventMsg) {
			loc := ""
			if len(ev.Frames) > 0 {
				f := ev.Frames[len(ev.Frames)-1]
				loc = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			fmt.Printf("\n%s  %s\n", loc, ev.Statement)
		},
		OnOutput: func(ev ws.ScriptOutputEvent) {
			if ev.Stream == "stderr" {
				fmt.Fprint(os.Stderr, ev.Data)
				return
			}
			fmt.Print(ev.Data)
		},
		OnEnded: func(ev ws.SessionEndedEvent) {
			if ev.Error != "" {
				fmt.Printf("\nsession ended: %s (exit %d)\n", ev.Error, ev.ExitCode)
				return
			}
			fmt.Printf("\nsession ended (exit %d)\n", ev.ExitCode)
		},
	})

	if err := connectWithRetry(c, *server); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if err := c.Run(); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	log.Println("Connected. Commands: start, n=next, so=stepover, c=continue, p=pause, sk=skip, r=return, e <code>, in <text>, eof, x=exit script, state, q=quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("[%s] > ", c.State())
		if !scanner.Scan() {
			break
		}
		raw := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(raw)
		cmd := strings.ToLower(raw)
		if len(fields) > 0 {
			cmd = strings.ToLower(fields[0])
		}

		var cmdErr error
		switch cmd {
		case "":
			continue
		case "start":
			cmdErr = c.StartTrace()
		case "n", "next", "step":
			cmdErr = c.Step()
		case "so", "stepover":
			cmdErr = c.StepOver()
		case "c", "continue":
			cmdErr = c.Continue()
		case "p", "pause":
			cmdErr = c.Pause()
		case "sk", "skip":
			cmdErr = c.Skip()
		case "r", "return":
			cmdErr = c.Return()
		case "e", "eval":
			code := strings.TrimSpace(strings.TrimPrefix(raw, fields[0]))
			if code == "" {
				fmt.Println("usage: e <code>")
				continue
			}
			cmdErr = c.Eval(code)
		case "in", "input":
			text := strings.TrimSpace(strings.TrimPrefix(raw, fields[0]))
			cmdErr = c.Input(text + "\n")
		case "eof":
			cmdErr = c.CloseInput()
		case "x", "exit":
			cmdErr = c.Exit()
		case "state":
			fmt.Printf("state=%s session=%s\n", c.State(), c.SessionID())
		case "q", "quit":
			_ = c.Close()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if cmdErr != nil {
			log.Printf("Command error: %v", cmdErr)
		}

		select {
		case <-c.Done():
			log.Println("Server closed connection")
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Stdin error: %v", err)
	}
	_ = c.Close()
}

// connectWithRetry keeps dialing while the server comes up, so the client
// can be started first.
func connectWithRetry(c *client.Client, addr string) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " connecting to " + addr
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for {
		err := c.Connect()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}
