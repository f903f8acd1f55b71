// Package uploads sandboxes remote file ingestion: every path handed to
// ingest_file must resolve inside the configured upload directory.
package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mcp-agent-memory/internal/config"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
)

// Guard validates upload paths and ages out stale files.
type Guard struct {
	enabled   bool
	directory string
	maxAge    time.Duration
	maxSizeMB int
	logger    logging.Logger
}

// NewGuard builds the guard from the remote-upload settings.
func NewGuard(cfg *config.Config) *Guard {
	return &Guard{
		enabled:   cfg.RemoteFileUploadEnabled,
		directory: cfg.RemoteUploadDirectory,
		maxAge:    time.Duration(cfg.RemoteUploadMaxAgeSeconds) * time.Second,
		maxSizeMB: cfg.RemoteUploadMaxFileSizeMB,
		logger:    logging.WithComponent("uploads"),
	}
}

// Enabled reports whether remote upload ingestion is on.
func (g *Guard) Enabled() bool {
	return g.enabled
}

// Directory returns the configured sandbox directory.
func (g *Guard) Directory() string {
	return g.directory
}

// Validate checks one candidate path: uploads enabled, realpath inside
// the sandbox, a regular readable file, and within the size cap. Every
// violation is an UploadRejected error.
func (g *Guard) Validate(path string) error {
	if !g.enabled {
		return memerrors.New(memerrors.KindUploadRejected, "remote file upload is disabled")
	}

	sandbox, err := realpath(g.directory)
	if err != nil {
		return memerrors.Wrapf(memerrors.KindUploadRejected, err, "upload directory unavailable: %s", g.directory)
	}
	resolved, err := realpath(path)
	if err != nil {
		return memerrors.Wrapf(memerrors.KindUploadRejected, err, "cannot resolve upload path: %s", path)
	}
	if !pathWithin(sandbox, resolved) {
		return memerrors.Newf(memerrors.KindUploadRejected, "file must be within upload directory: %s", g.directory)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return memerrors.Wrapf(memerrors.KindUploadRejected, err, "cannot stat upload: %s", path)
	}
	if !info.Mode().IsRegular() {
		return memerrors.Newf(memerrors.KindUploadRejected, "upload is not a regular file: %s", path)
	}
	file, err := os.Open(resolved) // #nosec G304 -- containment verified above
	if err != nil {
		return memerrors.Wrapf(memerrors.KindUploadRejected, err, "upload is not readable: %s", path)
	}
	_ = file.Close()

	if maxBytes := int64(g.maxSizeMB) * 1024 * 1024; info.Size() > maxBytes {
		return memerrors.Newf(memerrors.KindUploadRejected,
			"upload exceeds size limit: %d bytes (max %d MB)", info.Size(), g.maxSizeMB)
	}
	return nil
}

// CleanupOldUploads removes regular files older than the configured
// max age and returns how many were removed. Subdirectories are left
// alone.
func (g *Guard) CleanupOldUploads() (int, error) {
	if !g.enabled {
		return 0, nil
	}
	entries, err := os.ReadDir(g.directory)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read upload directory: %w", err)
	}

	cutoff := time.Now().Add(-g.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(g.directory, entry.Name())
		if err := os.Remove(path); err != nil {
			g.logger.Warn("failed to remove stale upload", "path", path, "error", err.Error())
			continue
		}
		removed++
	}
	if removed > 0 {
		g.logger.Info("cleaned up stale uploads", "removed", removed)
	}
	return removed, nil
}

// Remove deletes one validated upload after successful ingestion.
func (g *Guard) Remove(path string) error {
	if err := g.Validate(path); err != nil {
		return err
	}
	resolved, err := realpath(path)
	if err != nil {
		return err
	}
	return os.Remove(resolved)
}

func realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// pathWithin is path-segment aware: /tmp/uploads-evil is not within
// /tmp/uploads.
func pathWithin(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
