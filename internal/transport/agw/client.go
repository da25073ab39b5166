package agw

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kd9lq/packetbbs/internal/bbs"
	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/observability"
	"github.com/kd9lq/packetbbs/internal/session"
)

var ErrInvalidStationCall = errors.New("agw: invalid station callsign")

// Config describes the packet-engine endpoint.
type Config struct {
	Addr        string
	StationCall string
	DialTimeout time.Duration
	Limits      Limits
}

func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:8000",
		DialTimeout: 10 * time.Second,
		Limits:      DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

// Client drives BBS sessions over an AGWPE packet engine. The engine
// invokes us sequentially per frame; sends may come from any session's
// execution context and are serialized on the write mutex.
type Client struct {
	cfg        Config
	registry   *session.Registry
	dispatcher *bbs.Dispatcher

	writeMu sync.Mutex
	conn    net.Conn

	partialMu sync.Mutex
	partial   map[session.Key][]byte
}

func NewClient(cfg Config, registry *session.Registry, dispatcher *bbs.Dispatcher) (*Client, error) {
	cfg = cfg.WithDefaults()
	if !callsign.IsValid(cfg.StationCall) {
		return nil, ErrInvalidStationCall
	}
	cfg.StationCall = callsign.Normalize(cfg.StationCall)
	return &Client{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		partial:    make(map[session.Key][]byte),
	}, nil
}

// Run connects to the engine, registers the station callsign, and
// serves frames until ctx is done or the engine connection drops.
func (c *Client) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", c.cfg.Addr).Str("station", c.cfg.StationCall).Msg("connected to packet engine")
	return c.Serve(ctx, conn)
}

// Serve runs the frame loop on an established engine connection.
func (c *Client) Serve(ctx context.Context, conn net.Conn) error {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := c.writeFrame(Frame{Kind: KindRegister, CallFrom: c.cfg.StationCall}); err != nil {
		return err
	}

	for {
		f, err := ReadFrame(conn, c.cfg.Limits)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Kind {
	case KindRegister:
		log.Info().Str("station", f.CallFrom).Msg("station callsign registered")
	case KindConnect:
		c.handleConnect(f)
	case KindData:
		c.handleData(f)
	case KindDisconnect:
		c.handleDisconnect(f)
	default:
		log.Debug().Uint8("kind", f.Kind).Msg("skipping unhandled frame kind")
	}
}

// handleConnect validates the remote callsign and registers a new link
// session. Invalid callsigns and duplicate keys are answered with an
// immediate disconnect.
func (c *Client) handleConnect(f Frame) {
	if !callsign.IsValid(f.CallFrom) || !callsign.IsValid(f.CallTo) {
		log.Warn().Str("from", f.CallFrom).Str("to", f.CallTo).Msg("rejecting connection with invalid callsign")
		c.disconnect(f.Port, f.CallFrom)
		return
	}
	key := session.Key{
		RemoteCall:  callsign.Normalize(f.CallFrom),
		StationCall: callsign.Normalize(f.CallTo),
		Port:        int(f.Port),
	}
	s, err := c.registry.Add(key, session.KindLink, &linkSender{client: c, key: key})
	if err != nil {
		log.Warn().Err(err).Str("session", key.String()).Msg("rejecting connection")
		c.disconnect(f.Port, f.CallFrom)
		return
	}
	observability.SessionOpened(string(session.KindLink))
	log.Info().Str("session", key.String()).Msg("link session connected")
	c.dispatcher.Greet(s)
}

// handleData feeds connected data to the dispatcher line by line.
// Partial lines are buffered per session until a terminator arrives.
func (c *Client) handleData(f Frame) {
	key := session.Key{
		RemoteCall:  callsign.Normalize(f.CallFrom),
		StationCall: callsign.Normalize(f.CallTo),
		Port:        int(f.Port),
	}
	s, ok := c.registry.Get(key)
	if !ok {
		log.Warn().Str("session", key.String()).Msg("data for unknown session")
		return
	}
	for _, line := range c.completeLines(key, f.Payload) {
		c.dispatcher.Handle(s, line)
	}
}

func (c *Client) handleDisconnect(f Frame) {
	key := session.Key{
		RemoteCall:  callsign.Normalize(f.CallFrom),
		StationCall: callsign.Normalize(f.CallTo),
		Port:        int(f.Port),
	}
	c.partialMu.Lock()
	delete(c.partial, key)
	c.partialMu.Unlock()
	if c.registry.Remove(key) {
		observability.SessionClosed(string(session.KindLink))
		log.Info().Str("session", key.String()).Msg("link session disconnected")
	}
}

// completeLines appends payload to the session's partial buffer and
// returns every terminated line. AX.25 terminals send CR, LF, or CRLF.
func (c *Client) completeLines(key session.Key, payload []byte) [][]byte {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()

	buf := append(c.partial[key], payload...)
	var lines [][]byte
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\r' && buf[i] != '\n' {
			continue
		}
		lines = append(lines, buf[start:i])
		if buf[i] == '\r' && i+1 < len(buf) && buf[i+1] == '\n' {
			i++
		}
		start = i + 1
	}
	if start < len(buf) {
		c.partial[key] = append([]byte(nil), buf[start:]...)
	} else {
		delete(c.partial, key)
	}
	return lines
}

func (c *Client) disconnect(port uint8, remote string) {
	err := c.writeFrame(Frame{
		Port:     port,
		Kind:     KindDisconnect,
		CallFrom: c.cfg.StationCall,
		CallTo:   remote,
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("disconnect frame failed")
	}
}

func (c *Client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}
	return WriteFrame(c.conn, f, c.cfg.Limits)
}

// linkSender delivers one session's outgoing bytes as connected-data
// frames. Send is best-effort: a dead engine connection reports false.
type linkSender struct {
	client *Client
	key    session.Key
}

func (l *linkSender) Send(p []byte) bool {
	err := l.client.writeFrame(Frame{
		Port:     uint8(l.key.Port),
		Kind:     KindData,
		PID:      0xF0,
		CallFrom: l.key.StationCall,
		CallTo:   l.key.RemoteCall,
		Payload:  bytes.Clone(p),
	})
	if err != nil {
		log.Warn().Err(err).Str("session", l.key.String()).Msg("link send failed")
		return false
	}
	return true
}

func (l *linkSender) CloseUnderlying() {
	l.client.disconnect(uint8(l.key.Port), l.key.RemoteCall)
}
