package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shtrace/shtrace/config"
	"github.com/shtrace/shtrace/internal/session"
	"github.com/shtrace/shtrace/internal/source"
	"github.com/shtrace/shtrace/internal/spawn"
	"github.com/shtrace/shtrace/internal/wire"
	"github.com/shtrace/shtrace/internal/ws"
)

type options struct {
	sleepMillis int
	breakAt     string
	headless    bool
	serveAddr   string
	wrapper     string
	shell       string
	logFile     string
	configPath  string
}

func main() {
	opts := options{}

	root := &cobra.Command{
		Use:   "shtrace [flags] script [args...]",
		Short: "Trace a shell script statement by statement",
		Long: `shtrace runs a shell script under an instrumentation shim and pauses it
at every statement boundary, letting you step, skip, evaluate code in the
script's scope, or just watch it run in slow motion.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args[0], args[1:])
		},
	}

	flags := root.Flags()
	flags.IntVar(&opts.sleepMillis, "sleep", 0, "delay in milliseconds between auto-advanced statements")
	flags.StringVar(&opts.breakAt, "break", "", "pause the first time SCRIPT:LINE is reached (SCRIPT optional)")
	flags.BoolVar(&opts.headless, "headless", false, "run without the interactive prompt")
	flags.StringVar(&opts.serveAddr, "serve", "", "serve the trace over websocket on ADDR instead of the terminal")
	flags.StringVar(&opts.wrapper, "wrapper", "", "use FILE as the instrumentation shim instead of the built-in one")
	flags.StringVar(&opts.shell, "shell", "", "interpreter binary (default from config, then bash)")
	flags.StringVar(&opts.logFile, "log", "", "append diagnostics to FILE instead of stderr")
	flags.StringVar(&opts.configPath, "config", "config/config.yml", "config file path")

	if err := root.Execute(); err != nil {
		log.Fatalf("shtrace: %v", err)
	}
}

func run(opts options, script string, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Printf("Failed to load config: %v, using defaults", err)
		cfg = config.Default()
	}

	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(f)
	}

	shell := opts.shell
	if shell == "" {
		shell = cfg.Trace.Shell
	}
	stepDelay := time.Duration(opts.sleepMillis) * time.Millisecond
	if stepDelay == 0 {
		stepDelay = cfg.Trace.StepDelay
	}

	bp, err := parseBreak(opts.breakAt)
	if err != nil {
		return err
	}

	spawnOpts := spawn.Options{
		Shell:        shell,
		Wrapper:      opts.wrapper,
		InheritStdio: opts.headless,
	}

	if opts.serveAddr != "" {
		return serve(opts.serveAddr, cfg, script, args, spawnOpts, stepDelay, bp)
	}

	interactive := !opts.headless && term.IsTerminal(int(os.Stdin.Fd()))
	if !opts.headless && !interactive {
		log.Printf("stdin is not a terminal, running headless")
	}

	target, err := spawn.Start(script, args, spawnOpts)
	if err != nil {
		return err
	}

	if interactive {
		return runInteractive(target, session.Options{
			StepDelay:   stepDelay,
			Breakpoint:  bp,
			StartPaused: true,
		})
	}
	return runHeadless(target, session.Options{
		StepDelay:  stepDelay,
		Breakpoint: bp,
	})
}

// parseBreak turns "script.sh:12", ":12", or "12" into a breakpoint.
func parseBreak(s string) (*session.Breakpoint, error) {
	if s == "" {
		return nil, nil
	}
	script := ""
	lineStr := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		script = s[:i]
		lineStr = s[i+1:]
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line <= 0 {
		return nil, fmt.Errorf("invalid --break %q, want SCRIPT:LINE", s)
	}
	return &session.Breakpoint{Script: script, Line: line}, nil
}

// serve hands the trace to remote websocket clients. The script starts
// when the first client sends startTrace.
func serve(addr string, cfg *config.Config, script string, args []string, spawnOpts spawn.Options, stepDelay time.Duration, bp *session.Breakpoint) error {
	spawnOpts.InheritStdio = false
	launch := func(sink session.EventSink) (*session.Session, *spawn.Target, error) {
		target, err := spawn.Start(script, args, spawnOpts)
		if err != nil {
			return nil, nil, err
		}
		sess := session.New(target.Events, target.Commands, sink, session.Options{
			StepDelay:   stepDelay,
			Breakpoint:  bp,
			StartPaused: true,
		})
		return sess, target, nil
	}

	server := ws.NewServer(addr, ws.ServerConfig{
		MaxSessions: cfg.WebSocket.MaxSessions,
		IdleTimeout: cfg.WebSocket.IdleTimeout,
	}, launch)
	return server.ListenAndServe()
}

// runHeadless just paces the script; SIGINT goes straight to the child
// via the inherited terminal, so no signal plumbing is needed here.
func runHeadless(target *spawn.Target, opts session.Options) error {
	sess := session.New(target.Events, target.Commands, session.NopSink{}, opts)

	go func() {
		if err := sess.Run(context.Background()); err != nil {
			log.Printf("Trace ended: %v", err)
			// Close the channel ends so the shim fails open and the
			// script can still finish.
			_ = target.Close()
		}
	}()

	code, waitErr := target.Wait()
	if waitErr != nil {
		return waitErr
	}
	if code != 0 {
		return fmt.Errorf("script exited with code %d", code)
	}
	return nil
}

// cliSink forwards session callbacks onto channels the prompt loop owns.
type cliSink struct {
	lines chan wire.LineEvent
	modes chan session.Mode
	ended chan error
}

func newCLISink() *cliSink {
	return &cliSink{
		lines: make(chan wire.LineEvent, 64),
		modes: make(chan session.Mode, 64),
		ended: make(chan error, 1),
	}
}

func (s *cliSink) LineEvent(ev wire.LineEvent) { s.lines <- ev }
func (s *cliSink) StateChanged(m session.Mode) { s.modes <- m }
func (s *cliSink) SessionEnded(err error)      { s.ended <- err }

// drainLines applies every line event already delivered. The session
// reports the event before the mode change, so a pause notification can
// arrive while its triggering event still sits in the buffer; draining
// first keeps the prompt on the statement that actually paused.
func (s *cliSink) drainLines(apply func(wire.LineEvent)) {
	for {
		select {
		case ev := <-s.lines:
			apply(ev)
		default:
			return
		}
	}
}

func runInteractive(target *spawn.Target, opts session.Options) error {
	sink := newCLISink()
	sess := session.New(target.Events, target.Commands, sink, opts)

	go sess.Run(context.Background())
	go relay(os.Stdout, target.Stdout)
	go relay(os.Stderr, target.Stderr)

	// SIGINT pauses the trace instead of killing it.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)
	go func() {
		for range sigc {
			sess.Pause()
		}
	}()

	rl := liner.NewLiner()
	rl.SetCtrlCAborts(true)
	defer func() { _ = rl.Close() }()

	stack := &source.Stack{}
	var current *source.Script
	var lastEv wire.LineEvent

	fmt.Printf("Tracing %s (pid %d). Type \"help\" at the prompt.\n", target.Script, target.PID())

	observe := func(ev wire.LineEvent) {
		lastEv = ev
		current = stack.Observe(ev)
	}

	for {
		select {
		case ev := <-sink.lines:
			observe(ev)

		case m := <-sink.modes:
			if m != session.Paused {
				continue
			}
			sink.drainLines(observe)
			if done := promptLoop(rl, sess, target, current, lastEv); done {
				// Detach was issued; drain until the session ends, then
				// release the channel ends so the shim fails open.
				drainUntilEnded(sink)
				_ = target.Close()
				_, err := target.Wait()
				return err
			}

		case err := <-sink.ended:
			if err != nil {
				fmt.Fprintf(os.Stderr, "trace ended: %v\n", err)
			}
			_ = target.Close()
			code, waitErr := target.Wait()
			if waitErr != nil {
				return waitErr
			}
			if code != 0 {
				return fmt.Errorf("script exited with code %d", code)
			}
			return nil
		}
	}
}

func drainUntilEnded(sink *cliSink) {
	for {
		select {
		case <-sink.lines:
		case <-sink.modes:
		case <-sink.ended:
			return
		}
	}
}

func relay(dst io.Writer, src io.Reader) {
	if src == nil {
		return
	}
	_, _ = io.Copy(dst, src)
}

// promptLoop reads commands until one resumes the trace. It returns true
// when the operator detached.
func promptLoop(rl *liner.State, sess *session.Session, target *spawn.Target, current *source.Script, lastEv wire.LineEvent) bool {
	printLocation(current)

	for {
		input, err := rl.Prompt("(shtrace) ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			sess.Detach()
			return true
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompt: %v\n", err)
			sess.Detach()
			return true
		}

		input = strings.TrimSpace(input)
		if input != "" {
			rl.AppendHistory(input)
		}

		fields := strings.Fields(input)
		cmd := ""
		if len(fields) > 0 {
			cmd = strings.ToLower(fields[0])
		}

		switch cmd {
		case "", "n", "next", "step":
			sess.Step()
			return false
		case "c", "continue":
			sess.Continue()
			return false
		case "so", "stepover":
			sess.StepOver()
			return false
		case "sk", "skip":
			sess.Skip()
			return false
		case "r", "return":
			sess.Return()
			return false
		case "e", "eval":
			code := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
			if code == "" {
				fmt.Println("usage: eval <code>")
				continue
			}
			sess.Evaluate(code)
		case "i", "input":
			if target.Stdin == nil {
				fmt.Println("script stdin is not piped")
				continue
			}
			text := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
			if text == "" {
				// Bare input closes stdin so a pending read sees EOF.
				if err := target.Stdin.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "close stdin: %v\n", err)
				}
				continue
			}
			if _, err := io.WriteString(target.Stdin, text+"\n"); err != nil {
				fmt.Fprintf(os.Stderr, "write stdin: %v\n", err)
			}
		case "l", "list":
			if current == nil {
				fmt.Println("no source context yet")
				continue
			}
			for _, line := range current.Window(5) {
				fmt.Println(line)
			}
		case "w", "where":
			for i := len(lastEv.Frames) - 1; i >= 0; i-- {
				f := lastEv.Frames[i]
				fmt.Printf("  %s:%d in %s\n", f.File, f.Line, f.Function)
			}
			if lastEv.Depth > 0 {
				fmt.Printf("  (subshell depth %d)\n", lastEv.Depth)
			}
		case "d", "detach":
			sess.Detach()
			return true
		case "q", "quit":
			if err := target.Terminate(); err != nil {
				fmt.Fprintf(os.Stderr, "terminate: %v\n", err)
			}
			sess.Detach()
			return true
		case "h", "help":
			printHelp()
		default:
			fmt.Printf("unknown command %q, try \"help\"\n", cmd)
		}
	}
}

func printLocation(current *source.Script) {
	if current == nil {
		return
	}
	fmt.Printf("%s:%d  %s\n", current.Name, current.Line, current.Command)
}

func printHelp() {
	fmt.Print(`Commands:
  next (n, enter)  execute the current statement, pause on the next one
  stepover (so)    run nested contexts to completion, pause back here
  continue (c)     run freely (pace with --sleep, pause with Ctrl-C)
  skip (sk)        resume without executing the current statement
  return (r)       force an early return from the current function
  eval <code> (e)  run code in the scope of the paused statement
  input <text> (i) feed a line to the script's stdin (bare input sends EOF)
  list (l)         show source around the current line
  where (w)        show the script nesting
  detach (d)       stop tracing, let the script run on
  quit (q)         terminate the script and exit
`)
}
