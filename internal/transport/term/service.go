// Package term owns the interactive terminal transport.
//
// Ownership boundary:
// - the SSH listener and password authentication
// - terminal-connection lifecycle into the session registry
// - line framing for interactive input
package term

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/kd9lq/packetbbs/internal/bbs"
	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/observability"
	"github.com/kd9lq/packetbbs/internal/session"
)

var ErrInvalidLoginCallsign = errors.New("term: login is not a valid callsign")

// shellRequestTimeout bounds how long a session waits for the client's
// shell request before giving up on the channel.
const shellRequestTimeout = 30 * time.Second

// Config describes the terminal endpoint. Port is the link index all
// terminal sessions are registered under, distinguishing them from
// radio ports.
type Config struct {
	ListenAddr  string
	HostKeyPath string
	StationCall string
	Port        int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":8022",
		HostKeyPath: "bbs_host_key",
		Port:        1234,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.HostKeyPath == "" {
		c.HostKeyPath = def.HostKeyPath
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	return c
}

// Authenticator verifies terminal logins. The SQLite store satisfies it.
type Authenticator interface {
	Authenticate(username, password string) error
	TouchLastLogin(username string) error
}

// Service accepts SSH connections and drives one BBS session per login.
type Service struct {
	cfg        Config
	registry   *session.Registry
	dispatcher *bbs.Dispatcher
	auth       Authenticator
	sshConfig  *ssh.ServerConfig

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewService(cfg Config, registry *session.Registry, dispatcher *bbs.Dispatcher, auth Authenticator) (*Service, error) {
	cfg = cfg.WithDefaults()
	if !callsign.IsValid(cfg.StationCall) {
		return nil, fmt.Errorf("term: invalid station callsign %q", cfg.StationCall)
	}
	cfg.StationCall = callsign.Normalize(cfg.StationCall)

	hostKey, err := loadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		auth:       auth,
		conns:      make(map[net.Conn]struct{}),
	}
	sshConfig := &ssh.ServerConfig{
		PasswordCallback: svc.checkPassword,
	}
	sshConfig.AddHostKey(hostKey)
	svc.sshConfig = sshConfig
	return svc, nil
}

// checkPassword authenticates one login attempt. The SSH username is
// the remote station's callsign.
func (s *Service) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	user := callsign.Normalize(meta.User())
	if !callsign.IsValid(user) {
		log.Warn().Str("user", meta.User()).Str("remote", meta.RemoteAddr().String()).Msg("rejecting login with invalid callsign")
		return nil, ErrInvalidLoginCallsign
	}
	if err := s.auth.Authenticate(user, string(password)); err != nil {
		log.Warn().Str("user", user).Str("remote", meta.RemoteAddr().String()).Msg("rejecting login")
		return nil, err
	}
	return nil, nil
}

// Run listens and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("terminal transport listening")
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("ssh handshake failed")
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("session channel accept failed")
			return
		}
		shellGranted := make(chan struct{})
		go acceptShellRequests(requests, shellGranted)
		s.serveChannel(sconn, ch, shellGranted)
		return
	}
}

// acceptShellRequests grants the requests an interactive client sends
// before typing; everything else is declined. shellGranted closes once
// the shell request has been answered.
func acceptShellRequests(requests <-chan *ssh.Request, shellGranted chan<- struct{}) {
	granted := false
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			req.Reply(true, nil)
			if req.Type == "shell" && !granted {
				granted = true
				close(shellGranted)
			}
		default:
			req.Reply(false, nil)
		}
	}
}

// serveChannel registers the session and runs the line loop until the
// client goes away.
func (s *Service) serveChannel(sconn *ssh.ServerConn, ch ssh.Channel, shellGranted <-chan struct{}) {
	defer ch.Close()

	// Writing before the client's shell request is answered races the
	// request exchange: closing the channel early makes the client see
	// EOF instead of our output.
	select {
	case <-shellGranted:
	case <-time.After(shellRequestTimeout):
		log.Debug().Str("remote", sconn.RemoteAddr().String()).Msg("no shell request received")
		return
	}

	remote := callsign.Normalize(sconn.User())
	key := session.Key{
		RemoteCall:  remote,
		StationCall: s.cfg.StationCall,
		Port:        s.cfg.Port,
	}
	sess, err := s.registry.Add(key, session.KindTerm, &termSender{ch: ch})
	if err != nil {
		log.Warn().Err(err).Str("session", key.String()).Msg("rejecting terminal session")
		fmt.Fprintf(ch, "Already connected as %s.\r\n", remote)
		return
	}
	observability.SessionOpened(string(session.KindTerm))
	log.Info().Str("session", key.String()).Str("remote", sconn.RemoteAddr().String()).Msg("terminal session connected")
	defer func() {
		s.registry.Remove(key)
		observability.SessionClosed(string(session.KindTerm))
		log.Info().Str("session", key.String()).Msg("terminal session disconnected")
	}()

	if err := s.auth.TouchLastLogin(remote); err != nil {
		log.Warn().Err(err).Str("user", remote).Msg("last login update failed")
	}

	s.dispatcher.Greet(sess)

	scanner := bufio.NewScanner(ch)
	scanner.Split(scanTermLines)
	for scanner.Scan() {
		s.dispatcher.Handle(sess, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("session", key.String()).Msg("terminal read ended")
	}
}

// scanTermLines splits on CR, LF, or CRLF; interactive clients differ in
// which terminator they send.
func scanTermLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
			advance++
		} else if data[i] == '\r' && advance == len(data) && !atEOF {
			// Wait for a possible trailing LF of a CRLF pair.
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// termSender delivers one session's outgoing bytes on the SSH channel.
type termSender struct {
	mu sync.Mutex
	ch ssh.Channel
}

func (t *termSender) Send(p []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.ch.Write(p); err != nil {
		log.Debug().Err(err).Msg("terminal send failed")
		return false
	}
	return true
}

func (t *termSender) CloseUnderlying() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch.Close()
}
