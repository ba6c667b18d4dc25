package transport

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
)

// ScanSpool discovers files placed directly in the spool directory outside
// the upload flow (dropped in by hand, or by the host before the session
// starts) and registers any not already present. It is run once at startup
// and again whenever the host sends get_files_list.
//
// Symlinks, directories, and dotfiles are skipped: a symlink could point
// outside the spool directory entirely, and a dotfile is almost always
// tooling state (.gitkeep, editor swap files) rather than a file meant to
// be shared.
func (s *Server) ScanSpool() error {
	entries, err := os.ReadDir(s.cfg.SpoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	known := s.reg.FilesSnapshot()
	knownPaths := make(map[string]bool, len(known))
	for _, f := range known {
		knownPaths[f.PathInSpool] = true
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("spool scan: stat failed", "name", entry.Name(), "error", err)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".part") {
			continue
		}

		path := filepath.Join(s.cfg.SpoolDir, entry.Name())
		if knownPaths[path] {
			continue
		}

		s.manualSeqMu.Lock()
		s.manualSeq++
		seq := s.manualSeq
		s.manualSeqMu.Unlock()

		newEntry := registry.SharedFile{
			FID:         transfer.ManualFID(seq, entry.Name()),
			Filename:    entry.Name(),
			SizeBytes:   info.Size(),
			Uploader:    "manual",
			UploaderID:  -1,
			PathInSpool: path,
			UploadedAt:  info.ModTime(),
		}
		if err := s.reg.RegisterFile(newEntry); err != nil {
			s.logger.Warn("spool scan: register failed", "name", entry.Name(), "error", err)
			continue
		}
		s.broadcastFileAvailable(newEntry)
		s.logger.Info("discovered shared file in spool", "fid", newEntry.FID, "filename", newEntry.Filename)
	}
	return nil
}

func (s *Server) broadcastFileAvailable(entry registry.SharedFile) {
	payload, err := protocol.Encode(protocol.FileAvailable{
		Header:   protocol.NewHeader(protocol.TypeFileAvailable),
		FID:      entry.FID,
		Filename: entry.Filename,
		Size:     entry.SizeBytes,
		Uploader: entry.Uploader,
	})
	if err != nil {
		s.logger.Warn("failed to encode file_available", "error", err)
		return
	}
	s.fan.BroadcastChatOrRoster(idsOf(s.reg.Snapshot()), -1, payload)
}
