package bbs

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/observability"
	"github.com/kd9lq/packetbbs/internal/session"
	"github.com/kd9lq/packetbbs/internal/store"
)

// Version is the server version reported by VER and the greeting.
const Version = "0.3.0"

// ChatEndMarker ends a live chat when received as a full line.
const ChatEndMarker = "_EOF_"

// listLimit bounds LIST and READ output.
const listLimit = 5

const helpText = "Commands:\r\n" +
	"  HELP              - Show this help\r\n" +
	"  INFO              - About this BBS\r\n" +
	"  VER               - Show server version\r\n" +
	"  MSG <text>        - Post a public message\r\n" +
	"  LIST              - Show recent public messages\r\n" +
	"  SEND <CALL> <msg> - Send private message\r\n" +
	"  READ              - Read private messages\r\n" +
	"  DEL <ID>          - Delete private message\r\n" +
	"  WHO               - List connected stations\r\n" +
	"  CHAT <CALL>       - Request a chat\r\n" +
	"  BYE               - Disconnect\r\n"

const chatRequestHelpText = "Commands:\r\n" +
	"  ACCEPT            - Join the pending chat\r\n" +
	"  ABORT             - Decline the pending chat\r\n"

// Store is the durable-state surface the dispatcher consumes. Command
// tests run against an in-memory fake; the SQLite implementation lives
// in internal/store.
type Store interface {
	StorePublic(sender, content string) error
	StorePrivate(sender, recipient, content string) error
	ListPublic(limit int) ([]store.PublicMessage, error)
	ListPrivate(recipient string, limit int) ([]store.PrivateMessage, error)
	DeleteIfOwned(id int64, recipient string) (bool, error)
}

// Dispatcher interprets line-oriented commands against per-session state.
type Dispatcher struct {
	registry *session.Registry
	store    Store
	banner   string
}

func NewDispatcher(registry *session.Registry, st Store, banner string) *Dispatcher {
	return &Dispatcher{registry: registry, store: st, banner: banner}
}

// Greet pushes the banner, welcome text, and first prompt to a freshly
// registered session.
func (d *Dispatcher) Greet(s *session.Session) {
	s.SendString(d.banner)
	s.SendString(fmt.Sprintf("\r\nWelcome to PacketBBS v%s!\r\nType HELP for commands.\r\n", Version))
	d.sendPrompt(s)
}

// Handle processes one inbound line for a session. Decoding is
// permissive: invalid UTF-8 is replaced, never fatal. The whole call
// runs inside the registry's critical section so state reads, chat
// mutations, and peer delivery are atomic against other connections.
func (d *Dispatcher) Handle(s *session.Session, raw []byte) {
	line := strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	line = strings.TrimRight(line, "\r\n")
	d.registry.Locked(func(v session.View) {
		d.handleLocked(v, s, line)
	})
}

func (d *Dispatcher) handleLocked(v session.View, s *session.Session, line string) {
	switch s.State {
	case session.StateChat:
		d.handleChatLine(v, s, line)
		return
	case session.StateChatRequest:
		d.handleChatRequestLine(v, s, line)
	default:
		d.handleCommand(v, s, line)
	}
	d.sendPrompt(s)
}

// handleChatRequestLine accepts only ACCEPT, ABORT, and HELP while a
// pairing is pending.
func (d *Dispatcher) handleChatRequestLine(v session.View, s *session.Session, line string) {
	verb, _ := splitVerb(line)
	if verb == "" {
		return
	}
	switch verb {
	case "ACCEPT":
		observability.RecordCommand(verb)
		d.acceptChat(v, s)
	case "ABORT":
		observability.RecordCommand(verb)
		d.abortChat(v, s)
	case "HELP":
		observability.RecordCommand(verb)
		s.SendString(chatRequestHelpText)
	default:
		observability.RecordCommand("UNKNOWN")
		d.sendUnknown(s, verb)
	}
}

// handleCommand is the state-New command table.
func (d *Dispatcher) handleCommand(v session.View, s *session.Session, line string) {
	verb, rest := splitVerb(line)
	if verb == "" {
		return
	}
	remote := s.Key().RemoteCall

	switch verb {
	case "HELP":
		s.SendString(helpText)

	case "INFO":
		s.SendString("PacketBBS: a packet-radio bulletin board with a SQLite backend.\r\n")

	case "VER":
		s.SendString(fmt.Sprintf("PacketBBS v%s\r\n", Version))

	case "MSG":
		if rest == "" {
			s.SendString("Usage: MSG <your message>\r\n")
			break
		}
		if err := d.store.StorePublic(remote, rest); err != nil {
			d.reportStoreError(s, "store public message", err)
			break
		}
		s.SendString("Message stored.\r\n")

	case "LIST":
		rows, err := d.store.ListPublic(listLimit)
		if err != nil {
			d.reportStoreError(s, "list public messages", err)
			break
		}
		if len(rows) == 0 {
			s.SendString("No public messages.\r\n")
			break
		}
		var b strings.Builder
		for _, m := range rows {
			fmt.Fprintf(&b, "[%s] %s: %s\r\n", m.Timestamp, m.Sender, m.Content)
		}
		s.SendString(b.String())

	case "SEND":
		rcpt, text := splitVerb(rest)
		if rcpt == "" || text == "" {
			s.SendString("Usage: SEND <CALLSIGN> <message>\r\n")
			break
		}
		rcpt = callsign.Normalize(rcpt)
		if err := d.store.StorePrivate(remote, rcpt, text); err != nil {
			d.reportStoreError(s, "store private message", err)
			break
		}
		s.SendString(fmt.Sprintf("Message sent to %s\r\n", rcpt))

	case "READ":
		rows, err := d.store.ListPrivate(remote, listLimit)
		if err != nil {
			d.reportStoreError(s, "list private messages", err)
			break
		}
		if len(rows) == 0 {
			s.SendString("No private messages.\r\n")
			break
		}
		var b strings.Builder
		for _, m := range rows {
			fmt.Fprintf(&b, "[%s] ID:%d From %s: %s\r\n", m.Timestamp, m.ID, m.Sender, m.Content)
		}
		s.SendString(b.String())

	case "DEL":
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if rest == "" || err != nil {
			s.SendString("Usage: DEL <ID>\r\n")
			break
		}
		ok, err := d.store.DeleteIfOwned(id, remote)
		if err != nil {
			d.reportStoreError(s, "delete message", err)
			break
		}
		if !ok {
			s.SendString("Message not found or not yours.\r\n")
			break
		}
		s.SendString("Message deleted.\r\n")

	case "WHO":
		active := v.Active()
		if len(active) == 0 {
			s.SendString("No active sessions.\r\n")
			break
		}
		var b strings.Builder
		for _, other := range active {
			k := other.Key()
			fmt.Fprintf(&b, "%s -> %s port %d\r\n", k.RemoteCall, k.StationCall, k.Port)
		}
		s.SendString(b.String())

	case "CHAT":
		target := strings.TrimSpace(rest)
		if target == "" {
			s.SendString("Usage: CHAT <CALLSIGN>\r\n")
			break
		}
		d.initiateChat(v, s, target)

	case "BYE":
		s.SendString("Goodbye!\r\n")
		s.Close()
		s.Deactivate()
		// Removal from the registry stays with the transport's
		// disconnect callback.

	default:
		d.sendUnknown(s, verb)
		observability.RecordCommand("UNKNOWN")
		return
	}
	observability.RecordCommand(verb)
}

func (d *Dispatcher) sendUnknown(s *session.Session, verb string) {
	s.SendString(fmt.Sprintf("Unknown command: %s\r\nType HELP for a list of commands.\r\n", verb))
}

func (d *Dispatcher) sendPrompt(s *session.Session) {
	switch s.State {
	case session.StateChat:
		// Prompts would pollute relayed chat lines.
	case session.StateChatRequest:
		s.SendString(fmt.Sprintf("(chat %s) > ", s.ChatTarget))
	default:
		s.SendString("> ")
	}
}

// reportStoreError surfaces a collaborator failure to the operator and
// answers the user with a generic failure line. Never fatal.
func (d *Dispatcher) reportStoreError(s *session.Session, op string, err error) {
	observability.RecordStoreError()
	log.Warn().Err(err).Str("session", s.Key().String()).Str("op", op).Msg("store failure")
	s.SendString("Temporary failure, try again later.\r\n")
}

// splitVerb splits a line on the first whitespace run into an
// upper-cased verb and the trimmed remainder.
func splitVerb(line string) (string, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", ""
	}
	i := strings.IndexFunc(trimmed, unicode.IsSpace)
	if i < 0 {
		return strings.ToUpper(trimmed), ""
	}
	return strings.ToUpper(trimmed[:i]), strings.TrimSpace(trimmed[i:])
}
