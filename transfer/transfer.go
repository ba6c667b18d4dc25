// Package transfer is the file transfer mediator. Uploads and
// downloads never share a connection with the control channel: each
// transfer gets its own ephemeral listener, bound for the duration of one
// accept plus one stream, then torn down.
//
// The chunked copy loop is grounded on this project's UDP file-session
// shapes (FileMeta/ReceiveSession), adapted from a chunk-and-ack datagram
// protocol to a single streamed TCP connection, since the control channel
// here is already reliable and ordered — there is nothing left for
// per-chunk acknowledgement to buy.
package transfer

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/akinalpfdn/lanhub/errs"
	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
)

const (
	chunkSize           = 32 * 1024
	acceptTimeout       = 30 * time.Second
	inactivityTimeout   = 30 * time.Second
)

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// Mediator accepts file_offer/file_request commands and runs the resulting
// upload or download to completion on its own ephemeral listener.
type Mediator struct {
	spoolDir    string
	maxFileSize int64
	bindHost    string

	reg *registry.Registry
	fan *fanout.Engine

	logger *slog.Logger
}

// New constructs a file transfer mediator. bindHost is the address (no
// port) ephemeral listeners bind to, normally the same interface the
// control listener uses.
func New(spoolDir string, maxFileSize int64, bindHost string, reg *registry.Registry, fan *fanout.Engine, logger *slog.Logger) *Mediator {
	return &Mediator{
		spoolDir:    spoolDir,
		maxFileSize: maxFileSize,
		bindHost:    bindHost,
		reg:         reg,
		fan:         fan,
		logger:      logger,
	}
}

func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", errs.ErrBadFilename
	}
	if strings.Contains(name, "..") || strings.ContainsAny(base, "/\\") {
		return "", errs.ErrBadFilename
	}
	return base, nil
}

func (m *Mediator) sendFileError(participantID int, fid, reason string) {
	payload, err := protocol.Encode(protocol.FileError{
		Header: protocol.NewHeader(protocol.TypeFileError),
		FID:    fid,
		Reason: reason,
	})
	if err != nil {
		m.logger.Warn("failed to encode file_error", "error", err)
		return
	}
	m.fan.SendControl(participantID, payload)
}

// OfferUpload validates a file_offer and, if accepted, opens an ephemeral
// listener and replies with file_upload_port. The actual transfer runs in
// its own goroutine once the sender connects.
//
// The fid returned to the client is minted here with uuid.NewString rather
// than trusting the client-declared fid on the offer: a client cannot be
// relied on to avoid collisions with concurrent uploads, and minting
// server-side makes the uniqueness check in RegisterFile unconditionally
// true instead of a race the client could lose.
func (m *Mediator) OfferUpload(uploaderID int, uploaderName string, offer protocol.FileOffer) error {
	p, ok := m.reg.Lookup(uploaderID)
	if !ok {
		return errs.ErrUnknownTarget
	}
	if !p.Permissions.MayUpload {
		m.sendFileError(uploaderID, offer.FID, "upload not permitted")
		return errs.ErrPermissionOff
	}
	if offer.Size < 0 || offer.Size > m.maxFileSize {
		m.sendFileError(uploaderID, offer.FID, "file too large")
		return errs.ErrFileTooLarge
	}
	filename, err := sanitizeFilename(offer.Filename)
	if err != nil {
		m.sendFileError(uploaderID, offer.FID, "invalid filename")
		return err
	}

	fid := uuid.NewString()

	ln, err := net.Listen("tcp", net.JoinHostPort(m.bindHost, "0"))
	if err != nil {
		m.sendFileError(uploaderID, offer.FID, "server could not open transfer listener")
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	payload, err := protocol.Encode(protocol.FileUploadPort{
		Header: protocol.NewHeader(protocol.TypeFileUploadPort),
		FID:    fid,
		Port:   port,
	})
	if err != nil {
		ln.Close()
		return err
	}
	m.fan.SendControl(uploaderID, payload)

	go m.runUpload(ln, fid, filename, offer.Size, uploaderID, uploaderName)
	return nil
}

func (m *Mediator) runUpload(ln net.Listener, fid, filename string, size int64, uploaderID int, uploaderName string) {
	defer ln.Close()

	if l, ok := ln.(*net.TCPListener); ok {
		_ = l.SetDeadline(time.Now().Add(acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		m.logger.Warn("upload transfer never connected", "fid", fid, "error", err)
		m.sendFileError(uploaderID, fid, "transfer timed out")
		return
	}
	defer conn.Close()

	tmpPath := filepath.Join(m.spoolDir, fid+".part")
	finalPath := filepath.Join(m.spoolDir, fid+"_"+filename)

	f, err := os.Create(tmpPath)
	if err != nil {
		m.logger.Error("failed to create spool file", "fid", fid, "error", err)
		m.sendFileError(uploaderID, fid, "server storage error")
		return
	}

	n, err := m.copyWithInactivityTimeout(f, conn, size)
	closeErr := f.Close()
	if err != nil || closeErr != nil || n != size {
		os.Remove(tmpPath)
		m.logger.Warn("upload failed", "fid", fid, "received", n, "want", size, "error", err)
		m.sendFileError(uploaderID, fid, "upload incomplete")
		return
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		m.logger.Error("failed to finalize upload", "fid", fid, "error", err)
		m.sendFileError(uploaderID, fid, "server storage error")
		return
	}

	entry := registry.SharedFile{
		FID:         fid,
		Filename:    filename,
		SizeBytes:   size,
		Uploader:    uploaderName,
		UploaderID:  uploaderID,
		PathInSpool: finalPath,
		UploadedAt:  time.Now(),
	}
	if err := m.reg.RegisterFile(entry); err != nil {
		os.Remove(finalPath)
		m.sendFileError(uploaderID, fid, "duplicate file id")
		return
	}

	m.logger.Info("file uploaded", "fid", fid, "filename", filename, "size", humanize.Bytes(uint64(size)))
	m.broadcastFileAvailable(entry)
}

func (m *Mediator) broadcastFileAvailable(entry registry.SharedFile) {
	payload, err := protocol.Encode(protocol.FileAvailable{
		Header:   protocol.NewHeader(protocol.TypeFileAvailable),
		FID:      entry.FID,
		Filename: entry.Filename,
		Size:     entry.SizeBytes,
		Uploader: entry.Uploader,
	})
	if err != nil {
		m.logger.Warn("failed to encode file_available", "error", err)
		return
	}
	ids := make([]int, 0)
	for _, p := range m.reg.Snapshot() {
		ids = append(ids, p.ID)
	}
	m.fan.BroadcastChatOrRoster(ids, -1, payload)
}

// copyWithInactivityTimeout streams exactly want bytes from src to dst,
// resetting a deadline on src before every chunk so a stalled sender is
// caught well before the process would otherwise block forever.
func (m *Mediator) copyWithInactivityTimeout(dst io.Writer, src net.Conn, want int64) (int64, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	var total int64
	for total < want {
		if err := src.SetReadDeadline(time.Now().Add(inactivityTimeout)); err != nil {
			return total, err
		}
		remaining := want - total
		readSize := int64(len(buf))
		if remaining < readSize {
			readSize = remaining
		}
		n, err := src.Read(buf[:readSize])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF && total == want {
				break
			}
			return total, err
		}
	}
	return total, nil
}

// RequestDownload validates a file_request and, if accepted, opens an
// ephemeral listener and replies with file_download_port. Multiple
// concurrent downloads of the same fid are independent: the file is
// reopened per transfer.
func (m *Mediator) RequestDownload(downloaderID int, req protocol.FileRequest) error {
	p, ok := m.reg.Lookup(downloaderID)
	if !ok {
		return errs.ErrUnknownTarget
	}
	if !p.Permissions.MayDownload {
		m.sendFileError(downloaderID, req.FID, "download not permitted")
		return errs.ErrPermissionOff
	}
	entry, exists := m.reg.LookupFile(req.FID)
	if !exists {
		m.sendFileError(downloaderID, req.FID, "file not found")
		return errs.ErrUnknownFileID
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(m.bindHost, "0"))
	if err != nil {
		m.sendFileError(downloaderID, req.FID, "server could not open transfer listener")
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	payload, err := protocol.Encode(protocol.FileDownloadPort{
		Header: protocol.NewHeader(protocol.TypeFileDownloadPort),
		FID:    entry.FID,
		Port:   port,
		Size:   entry.SizeBytes,
	})
	if err != nil {
		ln.Close()
		return err
	}
	m.fan.SendControl(downloaderID, payload)

	go m.runDownload(ln, entry, downloaderID)
	return nil
}

func (m *Mediator) runDownload(ln net.Listener, entry registry.SharedFile, downloaderID int) {
	defer ln.Close()

	if l, ok := ln.(*net.TCPListener); ok {
		_ = l.SetDeadline(time.Now().Add(acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		m.logger.Warn("download transfer never connected", "fid", entry.FID, "error", err)
		return
	}
	defer conn.Close()

	f, err := os.Open(entry.PathInSpool)
	if err != nil {
		m.logger.Error("failed to open spool file for download", "fid", entry.FID, "error", err)
		return
	}
	defer f.Close()

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(conn, f, *bufPtr)
	if err != nil {
		m.logger.Warn("download transfer failed", "fid", entry.FID, "sent", n, "error", err)
		return
	}
	m.logger.Info("file downloaded", "fid", entry.FID, "downloader_id", downloaderID, "size", humanize.Bytes(uint64(n)))
}

// FilesList builds the files_list_update payload for a get_files_list
// request or the shared_files snapshot embedded in login_success.
func FilesList(files map[string]registry.SharedFile) map[string]protocol.SharedFileView {
	out := make(map[string]protocol.SharedFileView, len(files))
	for fid, f := range files {
		out[fid] = protocol.SharedFileView{
			FID:        f.FID,
			Filename:   f.Filename,
			Size:       f.SizeBytes,
			Uploader:   f.Uploader,
			UploadedAt: f.UploadedAt.Format(time.RFC3339),
		}
	}
	return out
}

// ManualFID generates the fid scheme for files discovered by the spool
// directory scanner rather than uploaded over the wire: a scan-local
// monotonic sequence number plus the file's base name, collision-free
// without needing a random component. A file keeps its id across repeated
// scans because the scanner skips paths already in the index.
func ManualFID(seq int, basename string) string {
	return "manual_" + strconv.Itoa(seq) + "_" + basename
}
