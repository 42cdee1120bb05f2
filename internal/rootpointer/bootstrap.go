package rootpointer

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"go.uber.org/zap"
)

// BootstrapCode is the stable audit code of a bootstrap failure.
type BootstrapCode string

const (
	CodeRootMissing         BootstrapCode = "BOOTSTRAP_ROOT_MISSING"
	CodeRootMalformed       BootstrapCode = "BOOTSTRAP_ROOT_MALFORMED"
	CodeRootAuthFailed      BootstrapCode = "BOOTSTRAP_ROOT_AUTH_FAILED"
	CodeRootVersionMismatch BootstrapCode = "BOOTSTRAP_ROOT_VERSION_MISMATCH"
	CodeRootEpochInvalid    BootstrapCode = "BOOTSTRAP_ROOT_EPOCH_INVALID"
)

// BootstrapError is returned by Bootstrap. Callers must refuse to serve
// control-plane traffic when they receive one.
type BootstrapError struct {
	Code   BootstrapCode
	Path   string
	Detail string
	Err    error
}

func (e *BootstrapError) Error() string {
	msg := string(e.Code)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Is matches any *BootstrapError carrying the same code.
func (e *BootstrapError) Is(target error) bool {
	t, ok := target.(*BootstrapError)
	return ok && t.Code == e.Code
}

var (
	ErrRootMissing         = &BootstrapError{Code: CodeRootMissing}
	ErrRootMalformed       = &BootstrapError{Code: CodeRootMalformed}
	ErrRootAuthFailed      = &BootstrapError{Code: CodeRootAuthFailed}
	ErrRootVersionMismatch = &BootstrapError{Code: CodeRootVersionMismatch}
	ErrRootEpochInvalid    = &BootstrapError{Code: CodeRootEpochInvalid}
)

// BootstrapCodeOf extracts the code from err, or "" if err is not a
// BootstrapError.
func BootstrapCodeOf(err error) BootstrapCode {
	var be *BootstrapError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// RootAuthConfig is the trust configuration a process boots with.
type RootAuthConfig struct {
	TrustAnchor           authkey.Secret
	ExpectedFormatVersion string
	CurrentEpoch          epoch.ControlEpoch
	MaxFutureEpochs       uint64
}

// Strict expects the current format version and no future epochs.
func Strict(key authkey.Secret, current epoch.ControlEpoch) RootAuthConfig {
	return RootAuthConfig{
		TrustAnchor:           key,
		ExpectedFormatVersion: FormatVersion,
		CurrentEpoch:          current,
	}
}

// VerifiedRoot is a root pointer that passed every bootstrap check.
type VerifiedRoot struct {
	Root RootPointer    `json:"root"`
	Auth RootAuthRecord `json:"auth"`
}

// Bootstrap authenticates the published root in the store's directory.
func (s *Store) Bootstrap(cfg RootAuthConfig) (VerifiedRoot, error) {
	vr, err := Bootstrap(s.dir, cfg)
	if err != nil {
		s.logger.Error("root pointer bootstrap failed",
			zap.String("code", string(BootstrapCodeOf(err))),
			zap.String("dir", s.dir),
			zap.Error(err),
		)
		return VerifiedRoot{}, err
	}
	return vr, nil
}

// Bootstrap runs the startup checks against dir in order and stops at the
// first failure: presence, parse, MAC, format version, epoch bound.
func Bootstrap(dir string, cfg RootAuthConfig) (VerifiedRoot, error) {
	rootPath, authPath := RootPointerPath(dir), RootAuthPath(dir)

	for _, p := range []string{rootPath, authPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return VerifiedRoot{}, &BootstrapError{Code: CodeRootMissing, Path: p, Err: err}
			}
			return VerifiedRoot{}, &BootstrapError{Code: CodeRootMissing, Path: p, Detail: "unreadable", Err: err}
		}
	}

	var root RootPointer
	if err := readJSON(rootPath, &root); err != nil {
		return VerifiedRoot{}, &BootstrapError{Code: CodeRootMalformed, Path: rootPath, Err: err}
	}
	var auth RootAuthRecord
	if err := readJSON(authPath, &auth); err != nil {
		return VerifiedRoot{}, &BootstrapError{Code: CodeRootMalformed, Path: authPath, Err: err}
	}
	if auth.MAC == "" || auth.RootFormatVersion == "" {
		return VerifiedRoot{}, &BootstrapError{Code: CodeRootMalformed, Path: authPath, Detail: "missing mac or format version"}
	}

	if len(cfg.TrustAnchor) == 0 || !verifyAuth(root, auth, cfg.TrustAnchor) {
		return VerifiedRoot{}, &BootstrapError{Code: CodeRootAuthFailed, Path: authPath, Detail: "mac does not match trust anchor"}
	}
	if auth.Epoch != root.Epoch {
		return VerifiedRoot{}, &BootstrapError{
			Code:   CodeRootAuthFailed,
			Path:   authPath,
			Detail: fmt.Sprintf("auth epoch %d does not match root epoch %d", auth.Epoch, root.Epoch),
		}
	}

	if auth.RootFormatVersion != cfg.ExpectedFormatVersion {
		return VerifiedRoot{}, &BootstrapError{
			Code:   CodeRootVersionMismatch,
			Path:   authPath,
			Detail: fmt.Sprintf("format %q, expected %q", auth.RootFormatVersion, cfg.ExpectedFormatVersion),
		}
	}

	if limit := cfg.CurrentEpoch.SaturatingAdd(cfg.MaxFutureEpochs); root.Epoch > limit {
		return VerifiedRoot{}, &BootstrapError{
			Code:   CodeRootEpochInvalid,
			Path:   rootPath,
			Detail: fmt.Sprintf("root epoch %d exceeds %d (current %d + %d)", root.Epoch, limit, cfg.CurrentEpoch, cfg.MaxFutureEpochs),
		}
	}

	return VerifiedRoot{Root: root, Auth: auth}, nil
}
