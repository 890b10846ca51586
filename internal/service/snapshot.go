package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/relaydev/agentrun/internal/domain/artifact"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/eventstore"
	"github.com/relaydev/agentrun/internal/port/objectstore"
	"github.com/relaydev/agentrun/internal/port/sandbox"
	"github.com/relaydev/agentrun/internal/zipstream"
)

// prunedDirs are well-known dense directories excluded from snapshots.
var prunedDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"out":          {},
	"target":       {},
	"coverage":     {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
	".cache":       {},
	".next":        {},
	".turbo":       {},
}

// deniedFile reports whether a file must never leave the sandbox:
// environment files and key material.
func deniedFile(name string) bool {
	if strings.HasPrefix(name, ".env") {
		return true
	}
	if strings.HasPrefix(name, "id_rsa") || strings.HasPrefix(name, "id_ed25519") {
		return true
	}
	switch path.Ext(name) {
	case ".pem", ".key", ".p12", ".pfx":
		return true
	}
	return false
}

// SnapshotCapturer zips the sandbox workspace into the artifact bucket at
// terminal state. Snapshot failure never fails the run: every outcome is
// reported as a status event and the error is swallowed.
type SnapshotCapturer struct {
	store   database.Store
	journal eventstore.Store
	objects objectstore.Store

	appRoot  string
	maxBytes int64
	maxFiles int
}

// NewSnapshotCapturer creates a capturer storing under the artifact bucket.
func NewSnapshotCapturer(store database.Store, journal eventstore.Store, objects objectstore.Store, appRoot string, maxBytes int64, maxFiles int) *SnapshotCapturer {
	return &SnapshotCapturer{
		store:    store,
		journal:  journal,
		objects:  objects,
		appRoot:  strings.TrimRight(appRoot, "/"),
		maxBytes: maxBytes,
		maxFiles: maxFiles,
	}
}

// Capture enumerates the workspace, builds the STORED zip, uploads it, and
// records the artifact row. All failures end in a
// workspace_snapshot_store_failed status event, never an error.
func (c *SnapshotCapturer) Capture(ctx context.Context, runID string, sb sandbox.Sandbox) {
	// Snapshots run during teardown; give them their own deadline immune
	// to the attempt's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	files, err := c.enumerate(ctx, sb)
	if err != nil {
		c.fail(ctx, runID, err)
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var buf bytes.Buffer
	zw := zipstream.NewWriter(&buf)
	for _, f := range files {
		data, err := sb.ReadFile(ctx, f.Path)
		if err != nil {
			c.fail(ctx, runID, fmt.Errorf("read %s: %w", f.Path, err))
			return
		}
		name := strings.TrimPrefix(f.Path, c.appRoot+"/")
		if err := zw.Add(name, data); err != nil {
			c.fail(ctx, runID, fmt.Errorf("zip %s: %w", name, err))
			return
		}
	}
	if err := zw.Close(); err != nil {
		c.fail(ctx, runID, err)
		return
	}

	key := artifact.WorkspaceKey(runID)
	if err := c.objects.Put(ctx, key, buf.Bytes(), "application/zip"); err != nil {
		c.fail(ctx, runID, err)
		return
	}

	a := &artifact.Artifact{
		RunID: runID,
		Name:  "workspace.zip",
		Path:  key,
		MIME:  "application/zip",
		Size:  int64(buf.Len()),
	}
	if err := c.store.CreateArtifact(ctx, a); err != nil {
		c.fail(ctx, runID, err)
		return
	}

	if _, err := c.journal.Append(ctx, runID, event.TypeStatus, event.StatusPayload(event.StatusSnapshotStored, map[string]any{
		"path":      key,
		"sizeBytes": buf.Len(),
		"fileCount": len(files),
	})); err != nil {
		slog.Error("journal snapshot_stored failed", "run_id", runID, "error", err)
	}
	slog.Info("workspace snapshot stored", "run_id", runID, "bytes", buf.Len(), "files", len(files))
}

// enumerate walks the app root, pruning dense directories and denying
// sensitive files, enforcing the count and size bounds.
func (c *SnapshotCapturer) enumerate(ctx context.Context, sb sandbox.Sandbox) ([]sandbox.FileInfo, error) {
	var files []sandbox.FileInfo
	var total int64

	dirs := []string{c.appRoot}
	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]

		entries, err := sb.ListFiles(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir {
				if _, pruned := prunedDirs[e.Name]; pruned {
					continue
				}
				dirs = append(dirs, e.Path)
				continue
			}
			if deniedFile(e.Name) {
				continue
			}
			files = append(files, e)
			total += e.Size
			if c.maxFiles > 0 && len(files) > c.maxFiles {
				return nil, fmt.Errorf("workspace exceeds %d files", c.maxFiles)
			}
			if c.maxBytes > 0 && total > c.maxBytes {
				return nil, fmt.Errorf("workspace exceeds %d bytes", c.maxBytes)
			}
		}
	}
	return files, nil
}

func (c *SnapshotCapturer) fail(ctx context.Context, runID string, err error) {
	slog.Warn("workspace snapshot failed", "run_id", runID, "error", err)
	if _, jerr := c.journal.Append(ctx, runID, event.TypeStatus, event.StatusPayload(event.StatusSnapshotStoreFailed, map[string]any{
		"error": err.Error(),
	})); jerr != nil {
		slog.Error("journal snapshot_store_failed failed", "run_id", runID, "error", jerr)
	}
}
