package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shtrace/shtrace/internal/session"
	"github.com/shtrace/shtrace/internal/spawn"
)

func TestWebSocket(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WebSocket Suite")
}

var _ = Describe("Hub", func() {
	Describe("NewHub", func() {
		It("should create a new hub with correct properties", func() {
			hub := NewHub("test-session", 5*time.Minute, nil)

			Expect(hub.sessionID).To(Equal("test-session"))
			Expect(hub.idleTimeout).To(Equal(5 * time.Minute))
			Expect(hub.connections).To(BeEmpty())
			Expect(hub.register).NotTo(BeNil())
			Expect(hub.unregister).NotTo(BeNil())
			Expect(hub.events).NotTo(BeNil())
			Expect(hub.commands).NotTo(BeNil())
		})
	})

	Describe("SlowClientHandling", func() {
		It("should evict a client whose send buffer is full", func() {
			hub := NewHub("test-session", time.Minute, nil)
			go hub.Run()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upgrader := websocket.Upgrader{}
				conn, _ := upgrader.Upgrade(w, r, nil)
				defer func() { _ = conn.Close() }()
				select {}
			}))
			defer ts.Close()

			wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			// No WritePump: the send buffer only fills.
			client := NewConnection(conn, hub, "slow-client")
			hub.Register(client)

			// Feed the run loop directly so no event is dropped on the way
			// in; the overflow must happen at the client buffer.
			for i := 0; i < clientSendBufferSize+1; i++ {
				hub.events <- Message{Type: string(EventStateUpdate)}
			}

			// Wait for the hub to work through its queue before draining,
			// so freeing buffer space here cannot mask the overflow.
			Eventually(func() int { return len(hub.events) }, 2*time.Second, 10*time.Millisecond).Should(BeZero())
			time.Sleep(50 * time.Millisecond)

			// Eviction closed the send channel once the buffer overflowed.
			evicted := false
			for !evicted {
				select {
				case _, ok := <-client.send:
					evicted = !ok
				default:
					Fail("client was not evicted")
				}
			}
		})
	})

	Describe("Broadcast", func() {
		It("should never block a broadcaster, even with no run loop draining", func() {
			hub := NewHub("test-session", time.Minute, nil)

			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < eventBufferSize+10; i++ {
					hub.Broadcast(Message{Type: string(EventStateUpdate)})
				}
			}()

			Eventually(done, 2*time.Second, 10*time.Millisecond).Should(BeClosed())
		})
	})

	Describe("Commands before start", func() {
		It("should ignore control commands until a trace is running", func() {
			hub := NewHub("test-session", time.Minute, nil)
			go hub.Run()

			hub.SendCommand(Message{Type: string(CmdStep)})
			hub.SendCommand(Message{Type: string(CmdEval), Data: json.RawMessage(`{"code":"x=1"}`)})

			time.Sleep(50 * time.Millisecond)
			// Nothing to assert beyond "did not panic"; the hub logs and
			// drops commands that arrive before startTrace.
		})
	})
})

var _ = Describe("Server", func() {
	Describe("CreateHub", func() {
		It("should create and retrieve hubs", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, nil)

			hub, err := server.CreateHub()
			Expect(err).NotTo(HaveOccurred())
			Expect(hub).NotTo(BeNil())

			got, ok := server.GetHub(hub.sessionID)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(hub))

			_, ok = server.GetHub("no-such-session")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("MaxSessions", func() {
		It("should enforce max sessions limit", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 2, IdleTimeout: time.Minute}, nil)

			_, err := server.CreateHub()
			Expect(err).NotTo(HaveOccurred())
			_, err = server.CreateHub()
			Expect(err).NotTo(HaveOccurred())

			_, err = server.CreateHub()
			Expect(err).To(HaveOccurred())

			server.mu.RLock()
			hubCount := len(server.hubs)
			server.mu.RUnlock()
			Expect(hubCount).To(Equal(2))
		})
	})

	Describe("removeHub", func() {
		It("should remove hub from server", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, nil)

			hub, err := server.CreateHub()
			Expect(err).NotTo(HaveOccurred())

			server.removeHub(hub.sessionID)

			_, ok := server.GetHub(hub.sessionID)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("handleSession", func() {
		It("should reject unknown session ids", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, nil)
			ts := httptest.NewServer(server.Handler())
			defer ts.Close()

			wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session?sessionId=no-such-session"
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should acknowledge new connections with a sessionStarted event", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, nil)
			ts := httptest.NewServer(server.Handler())
			defer ts.Close()

			wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var msg Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(string(EventSessionStarted)))

			var started SessionStartedEvent
			Expect(json.Unmarshal(msg.Data, &started)).To(Succeed())
			Expect(started.SessionID).NotTo(BeEmpty())

			_, ok := server.GetHub(started.SessionID)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("handleSessions", func() {
		It("should list live sessions", func() {
			server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, nil)
			hub, err := server.CreateHub()
			Expect(err).NotTo(HaveOccurred())

			ts := httptest.NewServer(server.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/sessions")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = resp.Body.Close() }()

			var body map[string][]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body["sessions"]).To(ContainElement(hub.sessionID))
		})
	})
})

var _ = Describe("Tracing over websocket", func() {
	var scriptPath string

	BeforeEach(func() {
		if _, err := exec.LookPath("bash"); err != nil {
			Skip("bash not available")
		}
		dir := GinkgoT().TempDir()
		scriptPath = filepath.Join(dir, "count.sh")
		script := "x=1\nx=$((x + 1))\necho \"total $x\"\n"
		Expect(os.WriteFile(scriptPath, []byte(script), 0o755)).To(Succeed())
	})

	launcher := func(startPaused bool) LaunchFunc {
		return func(sink session.EventSink) (*session.Session, *spawn.Target, error) {
			target, err := spawn.Start(scriptPath, nil, spawn.Options{})
			if err != nil {
				return nil, nil, err
			}
			sess := session.New(target.Events, target.Commands, sink, session.Options{
				StartPaused: startPaused,
			})
			return sess, target, nil
		}
	}

	dial := func(launch LaunchFunc) (*websocket.Conn, func()) {
		server := NewServer("localhost:0", ServerConfig{MaxSessions: 10, IdleTimeout: time.Minute}, launch)
		ts := httptest.NewServer(server.Handler())

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

		return conn, func() {
			_ = conn.Close()
			ts.Close()
		}
	}

	// readUntil collects messages until one of the wanted type arrives.
	readUntil := func(conn *websocket.Conn, want EventType) (Message, []Message) {
		var seen []Message
		for {
			var msg Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			if msg.Type == string(want) {
				return msg, seen
			}
			seen = append(seen, msg)
		}
	}

	It("should run a script to completion and relay events and output", func() {
		conn, cleanup := dial(launcher(false))
		defer cleanup()

		Expect(conn.WriteJSON(Message{Type: string(CmdStartTrace)})).To(Succeed())

		ended, seen := readUntil(conn, EventSessionEnded)

		var lineEvents int
		var output strings.Builder
		for _, msg := range seen {
			switch EventType(msg.Type) {
			case EventLine:
				lineEvents++
			case EventScriptOutput:
				var out ScriptOutputEvent
				Expect(json.Unmarshal(msg.Data, &out)).To(Succeed())
				output.WriteString(out.Data)
			}
		}
		Expect(lineEvents).To(BeNumerically(">=", 3))
		Expect(output.String()).To(ContainSubstring("total 2"))

		var final SessionEndedEvent
		Expect(json.Unmarshal(ended.Data, &final)).To(Succeed())
		Expect(final.ExitCode).To(Equal(0))
	})

	It("should hold a paused trace until stepped", func() {
		conn, cleanup := dial(launcher(true))
		defer cleanup()

		Expect(conn.WriteJSON(Message{Type: string(CmdStartTrace)})).To(Succeed())

		first, _ := readUntil(conn, EventLine)
		var firstLine LineEventMsg
		Expect(json.Unmarshal(first.Data, &firstLine)).To(Succeed())
		Expect(firstLine.Statement).To(ContainSubstring("x=1"))
		Expect(firstLine.Depth).To(Equal(0))

		Expect(conn.WriteJSON(Message{Type: string(CmdStep)})).To(Succeed())
		second, _ := readUntil(conn, EventLine)
		var secondLine LineEventMsg
		Expect(json.Unmarshal(second.Data, &secondLine)).To(Succeed())
		Expect(secondLine.Statement).NotTo(Equal(firstLine.Statement))

		Expect(conn.WriteJSON(Message{Type: string(CmdContinue)})).To(Succeed())
		ended, _ := readUntil(conn, EventSessionEnded)

		var final SessionEndedEvent
		Expect(json.Unmarshal(ended.Data, &final)).To(Succeed())
		Expect(final.ExitCode).To(Equal(0))
	})

	It("should evaluate code in the paused statement scope", func() {
		conn, cleanup := dial(launcher(true))
		defer cleanup()

		Expect(conn.WriteJSON(Message{Type: string(CmdStartTrace)})).To(Succeed())
		_, _ = readUntil(conn, EventLine)

		// Second statement increments x; evaluating x=10 first makes the
		// script print "total 11".
		Expect(conn.WriteJSON(Message{Type: string(CmdStep)})).To(Succeed())
		_, _ = readUntil(conn, EventLine)

		data, err := json.Marshal(EvalCmd{Type: CmdEval, Code: "x=10"})
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.WriteJSON(Message{Type: string(CmdEval), Data: data})).To(Succeed())
		Expect(conn.WriteJSON(Message{Type: string(CmdContinue)})).To(Succeed())

		ended, seen := readUntil(conn, EventSessionEnded)

		var output strings.Builder
		for _, msg := range seen {
			if EventType(msg.Type) == EventScriptOutput {
				var out ScriptOutputEvent
				Expect(json.Unmarshal(msg.Data, &out)).To(Succeed())
				output.WriteString(out.Data)
			}
		}
		Expect(output.String()).To(ContainSubstring("total 11"))

		var final SessionEndedEvent
		Expect(json.Unmarshal(ended.Data, &final)).To(Succeed())
		Expect(final.ExitCode).To(Equal(0))
	})

	It("should forward client input to the script's stdin", func() {
		dir := GinkgoT().TempDir()
		scriptPath = filepath.Join(dir, "reader.sh")
		script := "read line\necho \"got:$line\"\n"
		Expect(os.WriteFile(scriptPath, []byte(script), 0o755)).To(Succeed())

		conn, cleanup := dial(launcher(false))
		defer cleanup()

		Expect(conn.WriteJSON(Message{Type: string(CmdStartTrace)})).To(Succeed())

		// Without this write the script would sit in read forever.
		data, err := json.Marshal(InputCmd{Type: CmdInput, Data: "hello\n"})
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.WriteJSON(Message{Type: string(CmdInput), Data: data})).To(Succeed())

		ended, seen := readUntil(conn, EventSessionEnded)

		var output strings.Builder
		for _, msg := range seen {
			if EventType(msg.Type) == EventScriptOutput {
				var out ScriptOutputEvent
				Expect(json.Unmarshal(msg.Data, &out)).To(Succeed())
				output.WriteString(out.Data)
			}
		}
		Expect(output.String()).To(ContainSubstring("got:hello"))

		var final SessionEndedEvent
		Expect(json.Unmarshal(ended.Data, &final)).To(Succeed())
		Expect(final.ExitCode).To(Equal(0))
	})

	It("should unblock a script waiting on stdin when input is closed", func() {
		dir := GinkgoT().TempDir()
		scriptPath = filepath.Join(dir, "reader.sh")
		script := "read line || echo \"no input\"\n"
		Expect(os.WriteFile(scriptPath, []byte(script), 0o755)).To(Succeed())

		conn, cleanup := dial(launcher(false))
		defer cleanup()

		Expect(conn.WriteJSON(Message{Type: string(CmdStartTrace)})).To(Succeed())

		data, err := json.Marshal(InputCmd{Type: CmdInput, Eof: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.WriteJSON(Message{Type: string(CmdInput), Data: data})).To(Succeed())

		ended, seen := readUntil(conn, EventSessionEnded)

		var output strings.Builder
		for _, msg := range seen {
			if EventType(msg.Type) == EventScriptOutput {
				var out ScriptOutputEvent
				Expect(json.Unmarshal(msg.Data, &out)).To(Succeed())
				output.WriteString(out.Data)
			}
		}
		Expect(output.String()).To(ContainSubstring("no input"))

		var final SessionEndedEvent
		Expect(json.Unmarshal(ended.Data, &final)).To(Succeed())
		Expect(final.ExitCode).To(Equal(0))
	})

	It("should drop clients that send oversized commands", func() {
		conn, cleanup := dial(launcher(false))
		defer cleanup()

		huge := strings.Repeat("x", maxCommandBytes+1)
		Expect(conn.WriteMessage(websocket.TextMessage, []byte(huge))).To(Succeed())

		// The read limit trips on the server, which closes the
		// connection; reading past the ack must fail well before the
		// deadline rather than hang on an unbounded read.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var err error
		for err == nil {
			var msg Message
			err = conn.ReadJSON(&msg)
		}
		Expect(os.IsTimeout(err)).To(BeFalse(), "server kept the connection open: %v", err)
	})
})
