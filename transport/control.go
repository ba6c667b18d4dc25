package transport

import (
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/akinalpfdn/lanhub/errs"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
)

// handleControlConn runs the full lifecycle of one accepted connection:
// handshake, dispatch loop, and cleanup. It returns only once the
// connection is no longer usable.
func (s *Server) handleControlConn(conn net.Conn) {
	p, ok := s.handshake(conn)
	if !ok {
		conn.Close()
		return
	}

	s.trackConn(p.ID, conn)
	s.fan.Attach(p.ID, conn)
	s.announceJoin(p)

	for {
		// ReadFrame leaves its body deadline set; clear it so an idle
		// connection is judged by the liveness monitor, not by that deadline.
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			break
		}
		raw, err := protocol.ReadFrame(conn)
		if err != nil {
			break
		}
		s.reg.UpdateHeartbeat(p.ID)

		typ, body, err := protocol.Decode(raw)
		if err != nil {
			break
		}
		if typ == protocol.TypeLogout {
			break
		}
		s.dispatch(p.ID, typ, body)
	}

	s.fan.Detach(p.ID)
	s.untrackConn(p.ID)
	s.limiter.Forget(p.ID)
	s.mod.Disconnect(p.ID, "disconnected")
	conn.Close()
}

func (s *Server) handshake(conn net.Conn) (registry.Participant, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return registry.Participant{}, false
	}
	raw, err := protocol.ReadFrame(conn)
	if err != nil {
		return registry.Participant{}, false
	}
	typ, body, err := protocol.Decode(raw)
	if err != nil || typ != protocol.TypeLogin {
		return registry.Participant{}, false
	}
	var login protocol.Login
	if err := json.Unmarshal(body, &login); err != nil {
		return registry.Participant{}, false
	}

	p, roster, chat, files, err := s.reg.Admit(login.Name, conn.RemoteAddr())
	if err != nil {
		s.writeLoginError(conn, err)
		return registry.Participant{}, false
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.reg.Remove(p.ID, "setup failed")
		return registry.Participant{}, false
	}

	payload, err := protocol.Encode(protocol.LoginSuccess{
		Header:       protocol.NewHeader(protocol.TypeLoginSuccess),
		ClientID:     p.ID,
		Participants: participantViews(roster),
		ChatHistory:  chatViews(chat),
		SharedFiles:  transfer.FilesList(files),
		HostID:       s.reg.HostID(),
	})
	if err != nil {
		s.reg.Remove(p.ID, "setup failed")
		return registry.Participant{}, false
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		s.reg.Remove(p.ID, "setup failed")
		return registry.Participant{}, false
	}
	return p, true
}

func (s *Server) writeLoginError(conn net.Conn, err error) {
	payload, encErr := protocol.Encode(protocol.LoginError{
		Header: protocol.NewHeader(protocol.TypeLoginError),
		Reason: err.Error(),
	})
	if encErr != nil {
		return
	}
	_ = protocol.WriteFrame(conn, payload)
}

func (s *Server) announceJoin(p registry.Participant) {
	payload, err := protocol.Encode(protocol.UserJoined{
		Header: protocol.NewHeader(protocol.TypeUserJoined),
		ID:     p.ID,
		Name:   p.Name,
	})
	if err != nil {
		s.logger.Warn("failed to encode user_joined", "error", err)
		return
	}
	s.fan.BroadcastChatOrRoster(idsOf(s.reg.Snapshot()), -1, payload)
}

func (s *Server) dispatch(actorID int, typ string, body json.RawMessage) {
	switch typ {
	case protocol.TypeHeartbeat:
		// last_heartbeat_at already stamped on every inbound record.

	case protocol.TypeChat:
		s.handleChat(actorID, body)

	case protocol.TypeMediaState:
		s.handleMediaState(actorID, body)

	case protocol.TypeRequestPresenter:
		s.handleRequestPresenter(actorID)
	case protocol.TypeStopPresenting:
		s.mod.StopPresenting(actorID)

	case protocol.TypeScreenFrame:
		s.handleScreenFrame(actorID, body)

	case protocol.TypeForceMute:
		s.handleForceTarget(actorID, body, s.mod.ForceMute)
	case protocol.TypeForceVideoOff:
		s.handleForceTarget(actorID, body, s.mod.ForceVideoOff)
	case protocol.TypeForceMuteAll:
		s.denyOnError(actorID, s.mod.ForceMute(actorID, -1))
	case protocol.TypeForceVideoOffAll:
		s.denyOnError(actorID, s.mod.ForceVideoOff(actorID, -1))
	case protocol.TypeForceStopPresenting, protocol.TypeForceStopScreenShare:
		s.denyOnError(actorID, s.mod.ForceStopPresenting(actorID, -1))

	case protocol.TypeSetPermission:
		s.handleSetPermission(actorID, body)
	case protocol.TypeKick:
		s.handleKick(actorID, body)
	case protocol.TypeHostRequest:
		s.handleHostRequest(actorID, body)

	case protocol.TypeFileOffer:
		s.handleFileOffer(actorID, body)
	case protocol.TypeFileRequest:
		s.handleFileRequest(actorID, body)
	case protocol.TypeGetFilesList:
		s.handleGetFilesList(actorID)

	default:
		s.logger.Warn("unrecognized control message, ignoring", "type", typ, "participant_id", actorID)
	}
}

func (s *Server) denyOnError(actorID int, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, errs.ErrPolicy) {
		s.mod.DenyPermission(actorID, err.Error())
		return
	}
	s.logger.Warn("command failed", "participant_id", actorID, "error", err)
}

func (s *Server) handleForceTarget(actorID int, body json.RawMessage, apply func(actorID, targetID int) error) {
	var ft protocol.ForceTarget
	if err := json.Unmarshal(body, &ft); err != nil {
		return
	}
	s.denyOnError(actorID, apply(actorID, ft.TargetClient))
}

func (s *Server) handleSetPermission(actorID int, body json.RawMessage) {
	var sp protocol.SetPermission
	if err := json.Unmarshal(body, &sp); err != nil {
		return
	}
	s.denyOnError(actorID, s.mod.SetPermission(actorID, sp.Target, sp.Field, sp.Value))
}

func (s *Server) handleKick(actorID int, body json.RawMessage) {
	var k protocol.Kick
	if err := json.Unmarshal(body, &k); err != nil {
		return
	}
	s.denyOnError(actorID, s.mod.Kick(actorID, k.Target))
}

func (s *Server) handleHostRequest(actorID int, body json.RawMessage) {
	var hr protocol.HostRequest
	if err := json.Unmarshal(body, &hr); err != nil {
		return
	}
	s.denyOnError(actorID, s.mod.HostRequest(actorID, hr.TargetClient, hr.RequestType, hr.Message))
}

func (s *Server) handleRequestPresenter(actorID int) {
	if !s.limiter.Allow(actorID) {
		s.sendRateLimited(actorID)
		return
	}
	s.mod.RequestPresenter(actorID)
}

func (s *Server) sendRateLimited(actorID int) {
	payload, err := protocol.Encode(protocol.RateLimited{
		Header:      protocol.NewHeader(protocol.TypeRateLimited),
		RetryAfterS: s.limiter.CooldownSeconds(actorID),
	})
	if err != nil {
		return
	}
	s.fan.SendControl(actorID, payload)
}

func participantViews(participants []registry.Participant) []protocol.ParticipantView {
	out := make([]protocol.ParticipantView, len(participants))
	for i, p := range participants {
		out[i] = protocol.ParticipantView{
			ID:            p.ID,
			Name:          p.Name,
			IsHost:        p.IsHost(),
			VideoOn:       p.MediaState.VideoOn,
			AudioOn:       p.MediaState.AudioOn,
			ScreenSharing: p.MediaState.ScreenSharing,
			IsPresenter:   p.MediaState.IsPresenter,
		}
	}
	return out
}

func chatViews(messages []registry.ChatMessage) []protocol.ChatView {
	out := make([]protocol.ChatView, len(messages))
	for i, m := range messages {
		out[i] = protocol.ChatView{
			Header:     protocol.Header{Type: protocol.TypeChat, Timestamp: m.Timestamp.Format(time.RFC3339)},
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Text:       m.Text,
		}
	}
	return out
}
