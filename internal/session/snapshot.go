package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/replkit/replkit/internal/protocol"
)

// snapshotBlob is the opaque envelope returned by Snapshot: the
// interpreter's namespace payload plus the scratch file tree. Snapshots
// are not guaranteed portable across interpreter versions.
type snapshotBlob struct {
	Vars  string            `json:"vars"`
	Files map[string]string `json:"files"`
}

// Snapshot serializes the interpreter namespace and the scratch
// directory into an opaque blob. Fails with ErrSnapshotUnsupported when
// the interpreter reports it cannot serialize.
func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	op, err := s.beginOp(opSnapshot, StateSnapshotInFlight)
	if err != nil {
		return nil, err
	}

	if err := s.enqueueWrite(ctx, protocol.Snapshot{Type: protocol.TypeSnapshot, ID: op.id}); err != nil {
		s.orphanOp(op)
		return nil, err
	}

	res, err := s.awaitOp(ctx, op)
	if err != nil {
		return nil, err
	}

	blob := snapshotBlob{
		Vars:  res.data,
		Files: collectScratch(s.child.ScratchDir()),
	}
	return json.Marshal(blob)
}

// Restore rehydrates a session from a snapshot blob: the namespace goes
// to the interpreter, the file tree back into the scratch directory.
func (s *Session) Restore(ctx context.Context, blob []byte) error {
	var parsed snapshotBlob
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return &RestoreError{Reason: fmt.Sprintf("malformed snapshot blob: %v", err)}
	}

	op, err := s.beginOp(opRestore, StateRestoreInFlight)
	if err != nil {
		return err
	}

	if err := s.enqueueWrite(ctx, protocol.Restore{Type: protocol.TypeRestore, ID: op.id, Data: parsed.Vars}); err != nil {
		s.orphanOp(op)
		return err
	}

	if _, err := s.awaitOp(ctx, op); err != nil {
		return err
	}

	restoreScratch(s.child.ScratchDir(), parsed.Files)
	return nil
}

// Reset clears the interpreter namespace and re-registers the tool
// catalog. Same one-op-at-a-time discipline as snapshot and restore.
func (s *Session) Reset(ctx context.Context) error {
	op, err := s.beginOp(opReset, StateResetInFlight)
	if err != nil {
		return err
	}

	if err := s.enqueueWrite(ctx, protocol.Reset{Type: protocol.TypeReset, ID: op.id}); err != nil {
		s.orphanOp(op)
		return err
	}

	_, err = s.awaitOp(ctx, op)
	return err
}

// collectScratch walks the scratch directory into a rel-path → content
// map. Non-UTF-8 files are skipped; the scratch dir holds interpreter
// text artifacts.
func collectScratch(root string) map[string]string {
	files := make(map[string]string)
	if root == "" {
		return files
	}
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		files[rel] = string(content)
		return nil
	})
	return files
}

// restoreScratch clears the scratch directory and recreates the file
// tree from the snapshot. Best effort: a partially restored scratch is
// still usable by the interpreter.
func restoreScratch(root string, files map[string]string) {
	if root == "" {
		return
	}
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, entry := range entries {
			os.RemoveAll(filepath.Join(root, entry.Name()))
		}
	}
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			continue
		}
		os.WriteFile(full, []byte(content), 0o644)
	}
}
