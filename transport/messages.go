package transport

import (
	"encoding/json"
	"errors"

	"github.com/akinalpfdn/lanhub/errs"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
)

// handleChat applies the permission gate, the flood-control gate, and the
// 4 KiB length gate (enforced inside registry.AddChat) before fanning a
// sender-stamped copy out to every other participant.
func (s *Server) handleChat(actorID int, body json.RawMessage) {
	p, ok := s.reg.Lookup(actorID)
	if !ok {
		return
	}
	if !p.Permissions.MayChat {
		s.mod.DenyPermission(actorID, "chat disabled by host")
		return
	}
	if !s.limiter.Allow(actorID) {
		s.sendRateLimited(actorID)
		return
	}

	var c protocol.Chat
	if err := json.Unmarshal(body, &c); err != nil {
		return
	}
	msg, err := s.reg.AddChat(actorID, p.Name, c.Text)
	if err != nil {
		if errors.Is(err, errs.ErrPolicy) {
			s.mod.DenyPermission(actorID, err.Error())
		}
		return
	}

	payload, err := protocol.Encode(protocol.Chat{
		Header:     protocol.NewHeader(protocol.TypeChat),
		Text:       msg.Text,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
	})
	if err != nil {
		s.logger.Warn("failed to encode chat", "error", err)
		return
	}
	s.fan.BroadcastChatOrRoster(idsOf(s.reg.Snapshot()), actorID, payload)
}

// handleMediaState applies a participant's self-reported video_on/audio_on
// mirror and broadcasts the result, the same pair-of-effects shape the
// moderation package uses for forced changes.
func (s *Server) handleMediaState(actorID int, body json.RawMessage) {
	var ms protocol.MediaState
	if err := json.Unmarshal(body, &ms); err != nil {
		return
	}
	p, err := s.reg.UpdateMediaState(actorID, func(m *registry.MediaState) {
		m.VideoOn = ms.VideoOn
		m.AudioOn = ms.AudioOn
	})
	if err != nil {
		return
	}

	payload, err := protocol.Encode(protocol.MediaState{
		Header:  protocol.NewHeader(protocol.TypeMediaState),
		ID:      p.ID,
		VideoOn: p.MediaState.VideoOn,
		AudioOn: p.MediaState.AudioOn,
	})
	if err != nil {
		s.logger.Warn("failed to encode media_state", "error", err)
		return
	}
	s.fan.BroadcastControl(idsOf(s.reg.Snapshot()), payload)
}

// handleScreenFrame forwards a presenter's screen_frame record verbatim to
// every other participant. Anyone other than the current presenter gets
// permission_error instead — there is only one presenter slot.
func (s *Server) handleScreenFrame(actorID int, raw json.RawMessage) {
	slot := s.reg.Presenter()
	if slot.Empty() || slot.Holder != actorID {
		s.mod.DenyPermission(actorID, "not the current presenter")
		return
	}
	s.fan.BroadcastScreen(idsOf(s.reg.Snapshot()), actorID, raw)
}

func (s *Server) handleFileOffer(actorID int, body json.RawMessage) {
	p, ok := s.reg.Lookup(actorID)
	if !ok {
		return
	}
	var offer protocol.FileOffer
	if err := json.Unmarshal(body, &offer); err != nil {
		return
	}
	if err := s.xfer.OfferUpload(actorID, p.Name, offer); err != nil {
		s.logger.Warn("file_offer rejected", "participant_id", actorID, "error", err)
	}
}

func (s *Server) handleFileRequest(actorID int, body json.RawMessage) {
	var req protocol.FileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	if err := s.xfer.RequestDownload(actorID, req); err != nil {
		s.logger.Warn("file_request rejected", "participant_id", actorID, "error", err)
	}
}

// handleGetFilesList replies with the current shared-file index. When the
// requester is host, a rescan of the spool directory runs first — there is
// no dedicated wire message for "rescan now", so the host's own
// get_files_list doubles as that trigger.
func (s *Server) handleGetFilesList(actorID int) {
	if p, ok := s.reg.Lookup(actorID); ok && p.IsHost() {
		if err := s.ScanSpool(); err != nil {
			s.logger.Warn("spool rescan failed", "error", err)
		}
	}

	payload, err := protocol.Encode(protocol.FilesListUpdate{
		Header:      protocol.NewHeader(protocol.TypeFilesListUpdate),
		SharedFiles: transfer.FilesList(s.reg.FilesSnapshot()),
	})
	if err != nil {
		s.logger.Warn("failed to encode files_list_update", "error", err)
		return
	}
	s.fan.SendControl(actorID, payload)
}
