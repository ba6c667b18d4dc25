package protocol

import "encoding/binary"

// Datagram header sizes, fixed big-endian integers. Using encoding/binary
// here (rather than a third-party wire-codec library) is the idiomatic
// choice for a handful of fixed uint32 fields; even pion's own RTP/RTCP
// packages reach for the same stdlib primitive for identical fixed
// headers.
const (
	VideoHeaderSize = 12 // client_id + sequence + frame_size, uint32_be each
	AudioHeaderSize = 8  // client_id + timestamp, uint32_be each

	// MaxVideoDatagram is the full wire size (header + frame), staying
	// under typical MTU + LAN jumbo headroom.
	MaxVideoDatagram = 9000
)

// VideoHeader is the fixed-size header prefixed to every video datagram.
type VideoHeader struct {
	ClientID  uint32
	Sequence  uint32
	FrameSize uint32
}

// EncodeVideoHeader writes the header followed immediately by frame in a
// single buffer ready to send.
func EncodeVideoHeader(h VideoHeader, frame []byte) []byte {
	buf := make([]byte, VideoHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf[0:4], h.ClientID)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], h.FrameSize)
	copy(buf[VideoHeaderSize:], frame)
	return buf
}

// DecodeVideoHeader splits a received datagram into header and frame
// payload. It reports ok=false if the datagram is too short to contain a
// header or the declared frame_size does not match the remaining bytes.
func DecodeVideoHeader(datagram []byte) (h VideoHeader, frame []byte, ok bool) {
	if len(datagram) < VideoHeaderSize {
		return VideoHeader{}, nil, false
	}
	h.ClientID = binary.BigEndian.Uint32(datagram[0:4])
	h.Sequence = binary.BigEndian.Uint32(datagram[4:8])
	h.FrameSize = binary.BigEndian.Uint32(datagram[8:12])
	frame = datagram[VideoHeaderSize:]
	if uint32(len(frame)) != h.FrameSize {
		return VideoHeader{}, nil, false
	}
	return h, frame, true
}

// AudioHeader is the fixed-size header prefixed to every audio datagram.
type AudioHeader struct {
	ClientID  uint32
	Timestamp uint32
}

// EncodeAudioHeader writes the header followed immediately by chunk.
func EncodeAudioHeader(h AudioHeader, chunk []byte) []byte {
	buf := make([]byte, AudioHeaderSize+len(chunk))
	binary.BigEndian.PutUint32(buf[0:4], h.ClientID)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	copy(buf[AudioHeaderSize:], chunk)
	return buf
}

// DecodeAudioHeader splits a received datagram into header and opaque
// audio chunk. It reports ok=false if the datagram is too short to contain
// a header.
func DecodeAudioHeader(datagram []byte) (h AudioHeader, chunk []byte, ok bool) {
	if len(datagram) < AudioHeaderSize {
		return AudioHeader{}, nil, false
	}
	h.ClientID = binary.BigEndian.Uint32(datagram[0:4])
	h.Timestamp = binary.BigEndian.Uint32(datagram[4:8])
	return h, datagram[AudioHeaderSize:], true
}
