package rootpointer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"go.uber.org/zap"
)

// PublishStep names a point in the publish protocol.
type PublishStep int

const (
	stepNone PublishStep = iota
	// StepWriteTemp: both temp files written, not yet synced.
	StepWriteTemp
	// StepFsyncTemp: both temp files synced, canonical files untouched.
	StepFsyncTemp
	// StepRename: both temp files renamed over the canonical paths.
	StepRename
	// StepFsyncDir: directory entry changes synced. Publication is complete.
	StepFsyncDir
)

func (s PublishStep) String() string {
	switch s {
	case StepWriteTemp:
		return "write_temp"
	case StepFsyncTemp:
		return "fsync_temp"
	case StepRename:
		return "rename"
	case StepFsyncDir:
		return "fsync_dir"
	default:
		return "none"
	}
}

// PublishSteps lists the injectable steps in protocol order.
func PublishSteps() []PublishStep {
	return []PublishStep{StepWriteTemp, StepFsyncTemp, StepRename, StepFsyncDir}
}

// ErrCrashInjected is returned when PublishWithCrashInjection stops early.
var ErrCrashInjected = errors.New("rootpointer: crash injected")

// Store reads and writes the root pointer files in one directory.
// Publishing is a single-publisher operation; Store does no in-process
// locking because durability rests on the rename ordering alone.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Dir returns the directory holding the pointer files.
func (s *Store) Dir() string { return s.dir }

// Publish durably replaces the current root pointer with root.
func (s *Store) Publish(root RootPointer, key authkey.Secret, traceID string) (RootAuthRecord, error) {
	return s.publish(root, key, traceID, stepNone)
}

// PublishWithCrashInjection runs the real publish path and stops right after
// step, as if the process died there. It returns ErrCrashInjected.
func (s *Store) PublishWithCrashInjection(root RootPointer, key authkey.Secret, traceID string, step PublishStep) (RootAuthRecord, error) {
	return s.publish(root, key, traceID, step)
}

// publish writes both files to temp paths, syncs them, renames the auth file
// and then the root file over the canonical paths, and syncs the directory.
//
// The root rename is the commit point. A crash between the two renames
// leaves the previous root beside the new auth record; Read still returns
// the previous root and Bootstrap rejects the pair.
func (s *Store) publish(root RootPointer, key authkey.Secret, traceID string, crashAfter PublishStep) (RootAuthRecord, error) {
	auth, err := NewAuthRecord(root, key)
	if err != nil {
		return RootAuthRecord{}, err
	}
	rootJSON, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return RootAuthRecord{}, fmt.Errorf("marshal root pointer: %w", err)
	}
	authJSON, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return RootAuthRecord{}, fmt.Errorf("marshal root auth: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return RootAuthRecord{}, fmt.Errorf("create root dir: %w", err)
	}

	rootPath, authPath := RootPointerPath(s.dir), RootAuthPath(s.dir)
	rootTmp, authTmp := rootPath+tmpSuffix, authPath+tmpSuffix

	// ── 1. write temp files ──────────────────────────────────────────────
	authFile, err := writeTemp(authTmp, authJSON)
	if err != nil {
		return RootAuthRecord{}, err
	}
	rootFile, err := writeTemp(rootTmp, rootJSON)
	if err != nil {
		authFile.Close()
		return RootAuthRecord{}, err
	}
	if crashAfter == StepWriteTemp {
		authFile.Close()
		rootFile.Close()
		return s.crashed(crashAfter, traceID)
	}

	// ── 2. fsync temp files ──────────────────────────────────────────────
	err = syncAndClose(authFile)
	if cerr := syncAndClose(rootFile); err == nil {
		err = cerr
	}
	if err != nil {
		return RootAuthRecord{}, fmt.Errorf("sync temp files: %w", err)
	}
	if crashAfter == StepFsyncTemp {
		return s.crashed(crashAfter, traceID)
	}

	// ── 3. rename into place (auth first, root commits) ──────────────────
	if err := os.Rename(authTmp, authPath); err != nil {
		return RootAuthRecord{}, fmt.Errorf("rename root auth: %w", err)
	}
	if err := os.Rename(rootTmp, rootPath); err != nil {
		return RootAuthRecord{}, fmt.Errorf("rename root pointer: %w", err)
	}
	if crashAfter == StepRename {
		return s.crashed(crashAfter, traceID)
	}

	// ── 4. fsync directory ───────────────────────────────────────────────
	if err := syncDir(s.dir); err != nil {
		return RootAuthRecord{}, fmt.Errorf("sync root dir: %w", err)
	}
	if crashAfter == StepFsyncDir {
		return s.crashed(crashAfter, traceID)
	}

	s.logger.Info("root pointer published",
		zap.Uint64("epoch", uint64(root.Epoch)),
		zap.Uint64("head_seq", root.MarkerStreamHeadSeq),
		zap.String("head_hash", root.MarkerStreamHeadHash.String()),
		zap.String("publisher_id", root.PublisherID),
		zap.String("trace_id", traceID),
	)
	return auth, nil
}

func (s *Store) crashed(step PublishStep, traceID string) (RootAuthRecord, error) {
	s.logger.Warn("root pointer publish halted by crash injection",
		zap.Stringer("step", step),
		zap.String("trace_id", traceID),
	)
	return RootAuthRecord{}, fmt.Errorf("%w after %s", ErrCrashInjected, step)
}

// Read parses the canonical root pointer file.
func (s *Store) Read() (RootPointer, error) {
	var r RootPointer
	if err := readJSON(RootPointerPath(s.dir), &r); err != nil {
		return RootPointer{}, err
	}
	return r, nil
}

// ReadAuth parses the canonical auth record file.
func (s *Store) ReadAuth() (RootAuthRecord, error) {
	var a RootAuthRecord
	if err := readJSON(RootAuthPath(s.dir), &a); err != nil {
		return RootAuthRecord{}, err
	}
	return a, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeTemp(path string, data []byte) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return f, nil
}

func syncAndClose(f *os.File) error {
	err := f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
