// Package moderation is the host-only command layer and presenter FSM.
// It sits in front of the registry's raw mutation methods, enforcing the
// host-only check, mutating state, and broadcasting a compact update so
// every roster stays consistent. A forced mute or video-off reaches the
// affected participant only through that same media_state broadcast; no
// separate force_mute/force_video_off record is sent to it.
package moderation

import (
	"log/slog"

	"github.com/akinalpfdn/lanhub/errs"
	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
)

// KickFunc is invoked after a kicked participant is removed from the
// registry, so the transport layer can close the underlying connection.
type KickFunc func(id int)

// Dispatcher validates and applies host commands against the registry,
// and runs the presenter request/release flow for ordinary participants.
type Dispatcher struct {
	reg    *registry.Registry
	fan    *fanout.Engine
	onKick KickFunc
	logger *slog.Logger
}

// New constructs a moderation dispatcher.
func New(reg *registry.Registry, fan *fanout.Engine, onKick KickFunc, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, fan: fan, onKick: onKick, logger: logger}
}

func (d *Dispatcher) requireHost(actorID int) error {
	p, ok := d.reg.Lookup(actorID)
	if !ok {
		return errs.ErrUnknownTarget
	}
	if !p.IsHost() {
		return errs.ErrHostOnly
	}
	return nil
}

// DenyPermission sends permission_error directly to actorID. Callers use it
// when requireHost (or any other gate) rejects a command.
func (d *Dispatcher) DenyPermission(actorID int, message string) {
	payload, err := protocol.Encode(protocol.PermissionError{
		Header:  protocol.NewHeader(protocol.TypePermissionError),
		Message: message,
	})
	if err != nil {
		d.logger.Warn("failed to encode permission_error", "error", err)
		return
	}
	d.fan.SendControl(actorID, payload)
}

func (d *Dispatcher) broadcastMediaState(p registry.Participant) {
	payload, err := protocol.Encode(protocol.MediaState{
		Header:  protocol.NewHeader(protocol.TypeMediaState),
		ID:      p.ID,
		VideoOn: p.MediaState.VideoOn,
		AudioOn: p.MediaState.AudioOn,
	})
	if err != nil {
		d.logger.Warn("failed to encode media_state", "error", err)
		return
	}
	ids := idsOf(d.reg.Snapshot())
	d.fan.BroadcastControl(ids, payload)
}

func (d *Dispatcher) broadcastPresenterChanged() {
	slot := d.reg.Presenter()
	var holder *int
	if !slot.Empty() {
		h := slot.Holder
		holder = &h
	}
	payload, err := protocol.Encode(protocol.PresenterChanged{
		Header:      protocol.NewHeader(protocol.TypePresenterChanged),
		PresenterID: holder,
	})
	if err != nil {
		d.logger.Warn("failed to encode presenter_changed", "error", err)
		return
	}
	d.fan.BroadcastChatOrRoster(idsOf(d.reg.Snapshot()), -1, payload)
}

func idsOf(participants []registry.Participant) []int {
	ids := make([]int, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	return ids
}

// ForceMute mutes one participant's audio, or every participant's if
// targetID < 0 (force_mute_all).
func (d *Dispatcher) ForceMute(actorID, targetID int) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	if targetID < 0 {
		for _, p := range d.reg.Snapshot() {
			d.forceMuteOne(p.ID)
		}
		return nil
	}
	return d.forceMuteOne(targetID)
}

func (d *Dispatcher) forceMuteOne(targetID int) error {
	p, err := d.reg.UpdateMediaState(targetID, func(m *registry.MediaState) { m.AudioOn = false })
	if err != nil {
		return err
	}
	d.broadcastMediaState(p)
	return nil
}

// ForceVideoOff turns off one participant's video, or everyone's if
// targetID < 0 (force_video_off_all).
func (d *Dispatcher) ForceVideoOff(actorID, targetID int) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	if targetID < 0 {
		for _, p := range d.reg.Snapshot() {
			d.forceVideoOffOne(p.ID)
		}
		return nil
	}
	return d.forceVideoOffOne(targetID)
}

func (d *Dispatcher) forceVideoOffOne(targetID int) error {
	p, err := d.reg.UpdateMediaState(targetID, func(m *registry.MediaState) { m.VideoOn = false })
	if err != nil {
		return err
	}
	d.broadcastMediaState(p)
	return nil
}

// ForceStopPresenting clears the presenter slot, whoever holds it if
// targetID < 0, or only if targetID holds it otherwise. Covers both
// force_stop_presenting and force_stop_screen_sharing, which address the
// same single-holder slot.
func (d *Dispatcher) ForceStopPresenting(actorID, targetID int) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	d.reg.StopPresenting(targetID)
	d.broadcastPresenterChanged()
	return nil
}

// Kick removes a participant from the registry, broadcasts user_left, and
// invokes onKick so the transport layer closes the underlying connection.
func (d *Dispatcher) Kick(actorID, targetID int) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	if _, ok := d.removeAndAnnounce(targetID, "kicked"); !ok {
		return errs.ErrUnknownTarget
	}
	if d.onKick != nil {
		d.onKick(targetID)
	}
	return nil
}

// Disconnect removes a participant outside of any host command — a
// liveness hard timeout, an explicit logout, or the reader loop seeing the
// connection die — and runs the same user_left/host_changed announcements
// a kick produces.
func (d *Dispatcher) Disconnect(id int, reason string) (registry.Participant, bool) {
	return d.removeAndAnnounce(id, reason)
}

func (d *Dispatcher) removeAndAnnounce(id int, reason string) (registry.Participant, bool) {
	removed, promoted, ok := d.reg.Remove(id, reason)
	if !ok {
		return registry.Participant{}, false
	}
	d.broadcastUserLeft(removed.ID, reason)
	if promoted != nil {
		d.broadcastHostChanged(promoted.ID)
	}
	return removed, true
}

func (d *Dispatcher) broadcastUserLeft(id int, reason string) {
	payload, err := protocol.Encode(protocol.UserLeft{
		Header: protocol.NewHeader(protocol.TypeUserLeft),
		ID:     id,
		Reason: reason,
	})
	if err != nil {
		d.logger.Warn("failed to encode user_left", "error", err)
		return
	}
	d.fan.BroadcastChatOrRoster(idsOf(d.reg.Snapshot()), -1, payload)
}

// broadcastHostChanged announces a host promotion, e.g. after the current
// host is kicked or disconnects. The presenter slot is left untouched — a
// host transfer does not interrupt whoever is currently presenting.
func (d *Dispatcher) broadcastHostChanged(hostID int) {
	payload, err := protocol.Encode(protocol.HostChanged{
		Header: protocol.NewHeader(protocol.TypeHostChanged),
		HostID: hostID,
	})
	if err != nil {
		d.logger.Warn("failed to encode host_changed", "error", err)
		return
	}
	d.fan.BroadcastChatOrRoster(idsOf(d.reg.Snapshot()), -1, payload)
}

// SetPermission applies one permission field change. A presenter who loses
// may_screen_share is force-stopped in the same call. Idempotent changes
// (value already matches) are applied but do not re-broadcast, matching
// the registry's own idempotence contract.
func (d *Dispatcher) SetPermission(actorID, targetID int, field string, value bool) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	p, changed, err := d.reg.SetPermission(targetID, field, value)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if field == "may_screen_share" && !value {
		if slot := d.reg.Presenter(); !slot.Empty() && slot.Holder == targetID {
			d.reg.StopPresenting(targetID)
			d.broadcastPresenterChanged()
		}
	}
	d.notifyPermissionChanged(p)
	return nil
}

func (d *Dispatcher) notifyPermissionChanged(p registry.Participant) {
	payload, err := protocol.Encode(protocol.MediaState{
		Header:  protocol.NewHeader(protocol.TypeMediaState),
		ID:      p.ID,
		VideoOn: p.MediaState.VideoOn,
		AudioOn: p.MediaState.AudioOn,
	})
	if err != nil {
		d.logger.Warn("failed to encode permission-change notification", "error", err)
		return
	}
	d.fan.SendControl(p.ID, payload)
}

// HostRequest forwards a non-forcing prompt (request_media) to the target;
// the target's client decides whether to comply.
func (d *Dispatcher) HostRequest(actorID, targetID int, requestType, message string) error {
	if err := d.requireHost(actorID); err != nil {
		return err
	}
	payload, err := protocol.Encode(protocol.HostRequest{
		Header:       protocol.NewHeader(protocol.TypeHostRequest),
		TargetClient: targetID,
		RequestType:  requestType,
		Message:      message,
	})
	if err != nil {
		return err
	}
	d.fan.SendControl(targetID, payload)
	return nil
}

// RequestPresenter processes a non-host-gated presenter request from
// participantID, granting or denying per the single-holder FSM, and
// notifying and broadcasting accordingly.
func (d *Dispatcher) RequestPresenter(participantID int) {
	granted, reason := d.reg.RequestPresenter(participantID)
	if granted {
		payload, err := protocol.Encode(protocol.PresenterGranted{Header: protocol.NewHeader(protocol.TypePresenterGranted)})
		if err != nil {
			d.logger.Warn("failed to encode presenter_granted", "error", err)
			return
		}
		d.fan.SendControl(participantID, payload)
		d.broadcastPresenterChanged()
		return
	}
	payload, err := protocol.Encode(protocol.PresenterDenied{
		Header: protocol.NewHeader(protocol.TypePresenterDenied),
		Reason: reason,
	})
	if err != nil {
		d.logger.Warn("failed to encode presenter_denied", "error", err)
		return
	}
	d.fan.SendControl(participantID, payload)
}

// StopPresenting releases the slot if participantID currently holds it
// (voluntary release, not a forced moderation action).
func (d *Dispatcher) StopPresenting(participantID int) {
	changed, holder := d.reg.StopPresenting(participantID)
	if !changed || holder != participantID {
		return
	}
	d.broadcastPresenterChanged()
}
