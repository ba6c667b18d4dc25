package protocol_test

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akinalpfdn/lanhub/protocol"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload, err := protocol.Encode(protocol.Chat{
		Header: protocol.Header{Type: protocol.TypeChat, Timestamp: "2026-08-06T00:00:00Z"},
		Text:   "hi",
	})
	require.NoError(t, err)

	go func() {
		require.NoError(t, protocol.WriteFrame(client, payload))
	}()

	got, err := protocol.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	typ, raw, err := protocol.Decode(got)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChat, typ)

	var chat protocol.Chat
	require.NoError(t, json.Unmarshal(raw, &chat))
	require.Equal(t, "hi", chat.Text)
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var lenBuf [4]byte
	putUint32BE(lenBuf[:], protocol.MaxFramePayload+1)

	go func() {
		_, _ = client.Write(lenBuf[:])
	}()

	_, err := protocol.ReadFrame(server)
	require.Error(t, err)
}

func TestVideoHeaderRoundTrip(t *testing.T) {
	frame := bytes.Repeat([]byte{0xAB}, 128)
	datagram := protocol.EncodeVideoHeader(protocol.VideoHeader{ClientID: 7, Sequence: 42, FrameSize: uint32(len(frame))}, frame)

	h, got, ok := protocol.DecodeVideoHeader(datagram)
	require.True(t, ok)
	require.Equal(t, uint32(7), h.ClientID)
	require.Equal(t, uint32(42), h.Sequence)
	require.Equal(t, frame, got)
}

func TestDecodeVideoHeaderRejectsShortDatagram(t *testing.T) {
	_, _, ok := protocol.DecodeVideoHeader([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestAudioHeaderRoundTrip(t *testing.T) {
	chunk := []byte("pcm-chunk")
	datagram := protocol.EncodeAudioHeader(protocol.AudioHeader{ClientID: 3, Timestamp: 1000}, chunk)

	h, got, ok := protocol.DecodeAudioHeader(datagram)
	require.True(t, ok)
	require.Equal(t, uint32(3), h.ClientID)
	require.Equal(t, chunk, got)
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
