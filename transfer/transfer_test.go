package transfer_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg *registry.Registry
	fan *fanout.Engine
	med *transfer.Mediator

	uploaderID int
	conn       net.Conn
}

func newFixture(t *testing.T, maxFileSize int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(50, 10, discardLogger())
	t.Cleanup(reg.Close)
	fan := fanout.New(discardLogger(), nil)
	med := transfer.New(dir, maxFileSize, "127.0.0.1", reg, fan, discardLogger())

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	p, _, _, _, err := reg.Admit("alice", &net.IPAddr{})
	require.NoError(t, err)
	fan.Attach(p.ID, server)

	return &fixture{reg: reg, fan: fan, med: med, uploaderID: p.ID, conn: client}
}

func readUploadPort(t *testing.T, conn net.Conn) protocol.FileUploadPort {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	var up protocol.FileUploadPort
	require.NoError(t, json.Unmarshal(raw, &up))
	return up
}

func TestOfferUploadRejectsOversizeFile(t *testing.T) {
	f := newFixture(t, 10)
	err := f.med.OfferUpload(f.uploaderID, "alice", protocol.FileOffer{
		Header:   protocol.Header{Type: protocol.TypeFileOffer},
		FID:      "client-fid",
		Filename: "notes.txt",
		Size:     1024,
	})
	require.Error(t, err)
}

func TestOfferUploadRejectsPathTraversalFilename(t *testing.T) {
	f := newFixture(t, 10*1024*1024)
	err := f.med.OfferUpload(f.uploaderID, "alice", protocol.FileOffer{
		Header:   protocol.Header{Type: protocol.TypeFileOffer},
		FID:      "client-fid",
		Filename: "../../etc/passwd",
		Size:     100,
	})
	require.Error(t, err)
}

func TestUploadRoundTripRegistersAndBroadcastsFileAvailable(t *testing.T) {
	f := newFixture(t, 10*1024*1024)
	content := bytes.Repeat([]byte("x"), 5000)

	err := f.med.OfferUpload(f.uploaderID, "alice", protocol.FileOffer{
		Header:   protocol.Header{Type: protocol.TypeFileOffer},
		FID:      "client-fid",
		Filename: "report.bin",
		Size:     int64(len(content)),
	})
	require.NoError(t, err)

	up := readUploadPort(t, f.conn)
	require.NotEmpty(t, up.FID)

	dialConn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(up.Port)), 2*time.Second)
	require.NoError(t, err)
	defer dialConn.Close()

	_, err = dialConn.Write(content)
	require.NoError(t, err)
	dialConn.Close()

	require.Eventually(t, func() bool {
		_, ok := f.reg.LookupFile(up.FID)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	entry, ok := f.reg.LookupFile(up.FID)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), entry.SizeBytes)
	require.Equal(t, "alice", entry.Uploader)

	stat, err := os.Stat(entry.PathInSpool)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), stat.Size())
}

func TestZeroByteUploadAndDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, 10*1024*1024)

	err := f.med.OfferUpload(f.uploaderID, "alice", protocol.FileOffer{
		Header:   protocol.Header{Type: protocol.TypeFileOffer},
		FID:      "client-fid",
		Filename: "empty.txt",
		Size:     0,
	})
	require.NoError(t, err)

	up := readUploadPort(t, f.conn)
	require.NotEmpty(t, up.FID)

	dialConn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(up.Port)), 2*time.Second)
	require.NoError(t, err)
	dialConn.Close()

	require.Eventually(t, func() bool {
		_, ok := f.reg.LookupFile(up.FID)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	entry, ok := f.reg.LookupFile(up.FID)
	require.True(t, ok)
	require.Equal(t, int64(0), entry.SizeBytes)

	stat, err := os.Stat(entry.PathInSpool)
	require.NoError(t, err)
	require.Equal(t, int64(0), stat.Size())

	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := protocol.ReadFrame(f.conn)
	require.NoError(t, err)
	typ, body, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileAvailable, typ)
	var avail protocol.FileAvailable
	require.NoError(t, json.Unmarshal(body, &avail))
	require.Equal(t, up.FID, avail.FID)

	err = f.med.RequestDownload(f.uploaderID, protocol.FileRequest{
		Header: protocol.Header{Type: protocol.TypeFileRequest},
		FID:    up.FID,
	})
	require.NoError(t, err)

	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err = protocol.ReadFrame(f.conn)
	require.NoError(t, err)
	typ, body, err = protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileDownloadPort, typ)
	var dp protocol.FileDownloadPort
	require.NoError(t, json.Unmarshal(body, &dp))
	require.Equal(t, int64(0), dp.Size)

	downloadConn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(dp.Port)), 2*time.Second)
	require.NoError(t, err)
	defer downloadConn.Close()

	got, err := io.ReadAll(downloadConn)
	require.NoError(t, err)
	require.Len(t, got, 0)
}
