package bbs

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/observability"
	"github.com/kd9lq/packetbbs/internal/session"
)

// Chat pairing. All mutations here run inside the registry critical
// section (the dispatcher enters it once per line), so two sessions are
// never observed half-paired and concurrent mutual CHAT requests resolve
// to exactly one pairing.

// initiateChat starts the pairing handshake towards target.
func (d *Dispatcher) initiateChat(v session.View, s *session.Session, rawTarget string) {
	if !callsign.IsValid(rawTarget) {
		s.SendString(fmt.Sprintf("Invalid callsign: %s\r\n", rawTarget))
		return
	}
	target := callsign.Normalize(rawTarget)
	remote := s.Key().RemoteCall
	if target == remote {
		s.SendString("You cannot chat with yourself.\r\n")
		return
	}

	peer := firstActivePeer(v, target)
	if peer == nil {
		s.SendString(fmt.Sprintf("%s is not connected. Use SEND to leave a message.\r\n", target))
		return
	}
	if peer.State != session.StateNew {
		s.SendString(fmt.Sprintf("%s is already in a chat.\r\n", target))
		return
	}

	s.State = session.StateChatRequest
	s.ChatTarget = target
	peer.State = session.StateChatRequest
	peer.ChatTarget = remote

	peer.SendString(fmt.Sprintf("\r\n%s is requesting a chat. Type ACCEPT to join or ABORT to decline.\r\n", remote))
	d.sendPrompt(peer)
	s.SendString(fmt.Sprintf("Chat request sent to %s. Waiting for ACCEPT.\r\n", target))
	log.Info().Str("from", remote).Str("to", target).Msg("chat requested")
}

// acceptChat transitions a pending pairing into a live chat.
func (d *Dispatcher) acceptChat(v session.View, s *session.Session) {
	remote := s.Key().RemoteCall
	if s.ChatTarget == remote {
		// Degenerate self-pairing; pairing with oneself is never valid.
		log.Debug().Str("session", s.Key().String()).Msg("ignoring self-paired accept")
		return
	}

	peers := pairedPeers(v, s)
	if len(peers) == 0 {
		target := s.ChatTarget
		s.State = session.StateNew
		s.ChatTarget = ""
		s.SendString(fmt.Sprintf("%s is no longer connected.\r\n", target))
		return
	}

	s.State = session.StateChat
	for _, peer := range peers {
		peer.State = session.StateChat
		peer.SendString(fmt.Sprintf("\r\nChat started with %s. Send %s to end.\r\n", remote, ChatEndMarker))
	}
	s.SendString(fmt.Sprintf("Chat started with %s. Send %s to end.\r\n", s.ChatTarget, ChatEndMarker))
	observability.RecordChatPairing()
	log.Info().Str("from", remote).Str("to", s.ChatTarget).Msg("chat started")
}

// abortChat declines or cancels a pending pairing on both sides.
func (d *Dispatcher) abortChat(v session.View, s *session.Session) {
	d.teardownChat(v, s, "Chat request aborted.")
	log.Info().Str("session", s.Key().String()).Msg("chat aborted")
}

// endChat closes a live chat symmetrically to abort.
func (d *Dispatcher) endChat(v session.View, s *session.Session) {
	d.teardownChat(v, s, "Chat ended.")
	log.Info().Str("session", s.Key().String()).Msg("chat ended")
}

func (d *Dispatcher) teardownChat(v session.View, s *session.Session, notice string) {
	for _, peer := range pairedPeers(v, s) {
		peer.State = session.StateNew
		peer.ChatTarget = ""
		peer.SendString(fmt.Sprintf("\r\n%s\r\n", notice))
		d.sendPrompt(peer)
	}
	s.State = session.StateNew
	s.ChatTarget = ""
	s.SendString(fmt.Sprintf("%s\r\n", notice))
}

// handleChatLine relays one live-chat line, or ends the chat on the
// end marker. The sender gets no prompt while chatting.
func (d *Dispatcher) handleChatLine(v session.View, s *session.Session, line string) {
	if strings.TrimSpace(line) == ChatEndMarker {
		d.endChat(v, s)
		d.sendPrompt(s)
		return
	}
	for _, peer := range pairedPeers(v, s) {
		if peer.State == session.StateChat {
			peer.SendString(line + "\r\n")
		}
	}
}

// firstActivePeer resolves the pairing candidate for a remote call.
// Peers are looked up by remote call, not by full key, because the
// peer's own key may differ in station call or link index.
func firstActivePeer(v session.View, call string) *session.Session {
	for _, peer := range v.ByRemoteCall(call) {
		if peer.Active() {
			return peer
		}
	}
	return nil
}

// pairedPeers resolves every active session currently paired back to s.
func pairedPeers(v session.View, s *session.Session) []*session.Session {
	remote := s.Key().RemoteCall
	var out []*session.Session
	for _, peer := range v.ByRemoteCall(s.ChatTarget) {
		if peer == s || !peer.Active() {
			continue
		}
		if peer.ChatTarget == remote && peer.State != session.StateNew {
			out = append(out, peer)
		}
	}
	return out
}
