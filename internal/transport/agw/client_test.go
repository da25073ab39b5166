package agw

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kd9lq/packetbbs/internal/bbs"
	"github.com/kd9lq/packetbbs/internal/session"
	"github.com/kd9lq/packetbbs/internal/store"
	"github.com/kd9lq/packetbbs/internal/testutil/testlog"
)

type stubStore struct{}

func (stubStore) StorePublic(sender, content string) error            { return nil }
func (stubStore) StorePrivate(sender, recipient, content string) error { return nil }
func (stubStore) ListPublic(limit int) ([]store.PublicMessage, error) { return nil, nil }
func (stubStore) ListPrivate(recipient string, limit int) ([]store.PrivateMessage, error) {
	return nil, nil
}
func (stubStore) DeleteIfOwned(id int64, recipient string) (bool, error) { return false, nil }

// fakeEngine drives the client's engine side of a net.Pipe.
type fakeEngine struct {
	conn   net.Conn
	frames chan Frame
}

func startFakeEngine(t *testing.T, conn net.Conn) *fakeEngine {
	t.Helper()
	e := &fakeEngine{conn: conn, frames: make(chan Frame, 64)}
	go func() {
		for {
			f, err := ReadFrame(conn, DefaultLimits())
			if err != nil {
				close(e.frames)
				return
			}
			e.frames <- f
		}
	}()
	return e
}

func (e *fakeEngine) send(t *testing.T, f Frame) {
	t.Helper()
	if err := WriteFrame(e.conn, f, DefaultLimits()); err != nil {
		t.Fatalf("engine write: %v", err)
	}
}

// next returns the next frame of the given kind, skipping others.
func (e *fakeEngine) next(t *testing.T, kind byte) Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-e.frames:
			if !ok {
				t.Fatalf("engine stream closed waiting for kind %q", kind)
			}
			if f.Kind == kind {
				return f
			}
		case <-deadline:
			t.Fatalf("timeout waiting for frame kind %q", kind)
		}
	}
}

// collectData drains data frames until the payload stream contains want.
func (e *fakeEngine) collectData(t *testing.T, want string) string {
	t.Helper()
	var b strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(b.String(), want) {
			return b.String()
		}
		select {
		case f, ok := <-e.frames:
			if !ok {
				t.Fatalf("engine stream closed waiting for %q (got %q)", want, b.String())
			}
			if f.Kind == KindData {
				b.Write(f.Payload)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q (got %q)", want, b.String())
		}
	}
}

func startTestClient(t *testing.T) (*fakeEngine, *session.Registry) {
	t.Helper()
	testlog.Start(t)
	reg := session.NewRegistry()
	dispatcher := bbs.NewDispatcher(reg, stubStore{}, "BBS\r\n")
	client, err := NewClient(Config{StationCall: "KD9LQ"}, reg, dispatcher)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	clientConn, engineConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Serve(ctx, clientConn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("client did not stop")
		}
	})
	return startFakeEngine(t, engineConn), reg
}

func TestClientRegistersStationCall(t *testing.T) {
	engine, _ := startTestClient(t)
	reg := engine.next(t, KindRegister)
	if reg.CallFrom != "KD9LQ" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
}

func TestClientConnectionLifecycle(t *testing.T) {
	engine, reg := startTestClient(t)
	engine.next(t, KindRegister)

	engine.send(t, Frame{Port: 1, Kind: KindConnect, CallFrom: "N0CALL", CallTo: "KD9LQ"})
	greeting := engine.collectData(t, "> ")
	if !strings.Contains(greeting, "Welcome to PacketBBS") {
		t.Fatalf("missing greeting: %q", greeting)
	}
	key := session.Key{RemoteCall: "N0CALL", StationCall: "KD9LQ", Port: 1}
	if _, ok := reg.Get(key); !ok {
		t.Fatalf("session not registered on connect")
	}

	engine.send(t, Frame{Port: 1, Kind: KindData, CallFrom: "N0CALL", CallTo: "KD9LQ", Payload: []byte("VER\r")})
	reply := engine.collectData(t, "> ")
	if !strings.Contains(reply, "PacketBBS v") {
		t.Fatalf("missing VER reply: %q", reply)
	}

	engine.send(t, Frame{Port: 1, Kind: KindDisconnect, CallFrom: "N0CALL", CallTo: "KD9LQ"})
	waitFor(t, func() bool {
		_, ok := reg.Get(key)
		return !ok
	})
}

func TestClientRejectsInvalidRemoteCallsign(t *testing.T) {
	engine, reg := startTestClient(t)
	engine.next(t, KindRegister)

	engine.send(t, Frame{Port: 0, Kind: KindConnect, CallFrom: "12345", CallTo: "KD9LQ"})
	f := engine.next(t, KindDisconnect)
	if f.CallTo != "12345" {
		t.Fatalf("disconnect aimed at wrong station: %+v", f)
	}
	if got := reg.ListByRemoteCall("12345"); len(got) != 0 {
		t.Fatalf("invalid callsign registered: %+v", got)
	}
}

func TestClientBuffersPartialLines(t *testing.T) {
	engine, _ := startTestClient(t)
	engine.next(t, KindRegister)

	engine.send(t, Frame{Port: 0, Kind: KindConnect, CallFrom: "N0CALL", CallTo: "KD9LQ"})
	engine.collectData(t, "> ")

	// One command split across two data frames.
	engine.send(t, Frame{Port: 0, Kind: KindData, CallFrom: "N0CALL", CallTo: "KD9LQ", Payload: []byte("VE")})
	engine.send(t, Frame{Port: 0, Kind: KindData, CallFrom: "N0CALL", CallTo: "KD9LQ", Payload: []byte("R\r\n")})
	reply := engine.collectData(t, "> ")
	if !strings.Contains(reply, "PacketBBS v") {
		t.Fatalf("split command not assembled: %q", reply)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}
