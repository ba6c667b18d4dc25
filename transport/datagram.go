package transport

import (
	"context"
	"net"

	"github.com/akinalpfdn/lanhub/protocol"
)

// datagramReadBuffer is sized for the largest datagram either media kind can
// carry; MaxVideoDatagram already accounts for header + frame + LAN jumbo
// headroom.
const datagramReadBuffer = protocol.MaxVideoDatagram

// datagramLoop reads datagrams off conn until ctx is cancelled, copying each
// one (ReadFromUDP reuses the buffer) before handing it to relay.
func (s *Server) datagramLoop(ctx context.Context, conn *net.UDPConn, relay func(addr *net.UDPAddr, datagram []byte)) {
	buf := make([]byte, datagramReadBuffer)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("datagram read failed", "error", err)
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		relay(addr, datagram)
	}
}

// relayVideo learns the sender's video endpoint from the packet's actual
// source address, then fans the datagram out unchanged to every other known
// participant's learned video endpoint. The header's own client_id field
// identifies the sender, not the UDP source address, since NAT/port
// rebinding on the LAN must not orphan a participant's stream. A sender
// whose video permission has been turned off server-side is silently
// dropped rather than relayed.
func (s *Server) relayVideo(addr *net.UDPAddr, datagram []byte) {
	h, _, ok := protocol.DecodeVideoHeader(datagram)
	if !ok {
		return
	}
	s.relayDatagram(int(h.ClientID), addr, datagram, true)
}

// relayAudio is relayVideo's audio-port counterpart.
func (s *Server) relayAudio(addr *net.UDPAddr, datagram []byte) {
	h, _, ok := protocol.DecodeAudioHeader(datagram)
	if !ok {
		return
	}
	s.relayDatagram(int(h.ClientID), addr, datagram, false)
}

func (s *Server) relayDatagram(senderID int, addr *net.UDPAddr, datagram []byte, isVideo bool) {
	sender, ok := s.reg.Lookup(senderID)
	if !ok {
		return
	}
	if isVideo && !sender.Permissions.MayVideo {
		return
	}
	if !isVideo && !sender.Permissions.MayAudio {
		return
	}
	s.reg.UpdateMediaAddr(senderID, isVideo, addr)

	conn := s.audioConn
	if isVideo {
		conn = s.videoConn
	}

	for _, p := range s.reg.Snapshot() {
		if p.ID == senderID {
			continue
		}
		target := p.MediaAddrAudio
		if isVideo {
			target = p.MediaAddrVideo
		}
		udpTarget, ok := target.(*net.UDPAddr)
		if !ok {
			continue
		}
		if _, err := conn.WriteToUDP(datagram, udpTarget); err != nil {
			s.logger.Warn("datagram relay failed", "to_participant_id", p.ID, "error", err)
		}
	}
}
