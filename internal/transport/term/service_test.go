package term

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kd9lq/packetbbs/internal/bbs"
	"github.com/kd9lq/packetbbs/internal/session"
	"github.com/kd9lq/packetbbs/internal/store"
	"github.com/kd9lq/packetbbs/internal/testutil/testlog"
)

type stubStore struct{}

func (stubStore) StorePublic(sender, content string) error             { return nil }
func (stubStore) StorePrivate(sender, recipient, content string) error { return nil }
func (stubStore) ListPublic(limit int) ([]store.PublicMessage, error)  { return nil, nil }
func (stubStore) ListPrivate(recipient string, limit int) ([]store.PrivateMessage, error) {
	return nil, nil
}
func (stubStore) DeleteIfOwned(id int64, recipient string) (bool, error) { return false, nil }

type fakeAuth struct {
	mu       sync.Mutex
	users    map[string]string
	lastSeen []string
}

func (f *fakeAuth) Authenticate(username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pw, ok := f.users[username]; ok && pw == password {
		return nil
	}
	return store.ErrBadCredentials
}

func (f *fakeAuth) TouchLastLogin(username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = append(f.lastSeen, username)
	return nil
}

func TestLoadOrCreateHostKeyRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "host_key")
	first, err := loadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	second, err := loadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("reload host key: %v", err)
	}
	a := first.PublicKey().Marshal()
	b := second.PublicKey().Marshal()
	if !bytes.Equal(a, b) {
		t.Fatalf("host key changed between loads")
	}
}

func TestScanTermLines(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   string
		want []string
	}{
		{"HELP\n", []string{"HELP"}},
		{"HELP\r", []string{"HELP"}},
		{"HELP\r\nINFO\r\n", []string{"HELP", "INFO"}},
		{"A\rB\nC", []string{"A", "B", "C"}},
	}
	for _, tc := range cases {
		scanner := bufio.NewScanner(strings.NewReader(tc.in))
		scanner.Split(scanTermLines)
		var got []string
		for scanner.Scan() {
			got = append(got, scanner.Text())
		}
		if len(got) != len(tc.want) {
			t.Fatalf("input %q: got %v want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("input %q: got %v want %v", tc.in, got, tc.want)
			}
		}
	}
}

func startTestService(t *testing.T) (string, *session.Registry, *fakeAuth) {
	t.Helper()
	testlog.Start(t)
	reg := session.NewRegistry()
	dispatcher := bbs.NewDispatcher(reg, stubStore{}, "BBS\r\n")
	auth := &fakeAuth{users: map[string]string{"W1AW": "hunter2"}}

	svc, err := NewService(Config{
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		StationCall: "KD9LQ",
	}, reg, dispatcher, auth)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	return ln.Addr().String(), reg, auth
}

func dialTestSession(t *testing.T, addr, user, password string) (*ssh.Client, ssh.Channel) {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ch, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)
	if _, err := ch.SendRequest("shell", true, nil); err != nil {
		t.Fatalf("shell request: %v", err)
	}
	return client, ch
}

// readUntil collects channel output until want appears.
func readUntil(t *testing.T, ch ssh.Channel, want string) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), want) {
			return b.String()
		}
		n, err := ch.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if !strings.Contains(b.String(), want) {
		t.Fatalf("timeout waiting for %q, got %q", want, b.String())
	}
	return b.String()
}

func TestTerminalSessionLifecycle(t *testing.T) {
	addr, reg, auth := startTestService(t)
	_, ch := dialTestSession(t, addr, "w1aw", "hunter2")

	greeting := readUntil(t, ch, "> ")
	if !strings.Contains(greeting, "Welcome to PacketBBS") {
		t.Fatalf("missing greeting: %q", greeting)
	}

	key := session.Key{RemoteCall: "W1AW", StationCall: "KD9LQ", Port: DefaultConfig().Port}
	if _, ok := reg.Get(key); !ok {
		t.Fatalf("terminal session not registered")
	}
	auth.mu.Lock()
	touched := len(auth.lastSeen) == 1 && auth.lastSeen[0] == "W1AW"
	auth.mu.Unlock()
	if !touched {
		t.Fatalf("last login not recorded: %v", auth.lastSeen)
	}

	if _, err := ch.Write([]byte("VER\r\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	reply := readUntil(t, ch, "PacketBBS v")
	if !strings.Contains(reply, bbs.Version) {
		t.Fatalf("missing version: %q", reply)
	}

	ch.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(key); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session not removed on disconnect")
}

func TestTerminalRejectsBadPassword(t *testing.T) {
	addr, _, _ := startTestService(t)
	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "W1AW",
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected authentication failure")
	}
}

func TestTerminalRejectsInvalidCallsignLogin(t *testing.T) {
	addr, _, auth := startTestService(t)
	auth.mu.Lock()
	auth.users["12345"] = "pw"
	auth.mu.Unlock()
	// Valid credentials, but the username is not a callsign.
	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "12345",
		Auth:            []ssh.AuthMethod{ssh.Password("pw")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected rejection of non-callsign login")
	}
}

func TestTerminalRejectsDuplicateSession(t *testing.T) {
	addr, reg, _ := startTestService(t)
	_, first := dialTestSession(t, addr, "W1AW", "hunter2")
	readUntil(t, first, "> ")

	_, second := dialTestSession(t, addr, "W1AW", "hunter2")
	out := readUntil(t, second, "Already connected")
	if !strings.Contains(out, "Already connected as W1AW.") {
		t.Fatalf("missing duplicate notice: %q", out)
	}

	// The rejected login must not disturb the original session.
	key := session.Key{RemoteCall: "W1AW", StationCall: "KD9LQ", Port: DefaultConfig().Port}
	if _, ok := reg.Get(key); !ok {
		t.Fatalf("original session dropped after duplicate login")
	}
	if _, err := first.Write([]byte("VER\r\n")); err != nil {
		t.Fatalf("write on original session: %v", err)
	}
	readUntil(t, first, "PacketBBS v")
}

func TestNewServiceRejectsInvalidStationCall(t *testing.T) {
	testlog.Start(t)
	reg := session.NewRegistry()
	dispatcher := bbs.NewDispatcher(reg, stubStore{}, "")
	_, err := NewService(Config{
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		StationCall: "not a call",
	}, reg, dispatcher, &fakeAuth{})
	if err == nil {
		t.Fatalf("expected station callsign validation error")
	}
}
