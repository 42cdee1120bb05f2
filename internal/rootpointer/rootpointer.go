// Package rootpointer publishes and bootstraps the ledger's authenticated
// head pointer.
//
// The pointer lives in two JSON files inside one directory: root_pointer.json
// and its companion root_auth.json. Publish replaces both with the
// write, fsync, rename, fsync-dir sequence, so a reader only ever sees a
// completely written file. Bootstrap authenticates the pair before a process
// admits control-plane traffic and fails closed on any doubt.
package rootpointer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
)

// FormatVersion is the on-disk format written by this package.
const FormatVersion = "v1"

const (
	rootFileName = "root_pointer.json"
	authFileName = "root_auth.json"
	tmpSuffix    = ".tmp"
)

// RootPointerPath returns the canonical root pointer file in dir.
func RootPointerPath(dir string) string { return filepath.Join(dir, rootFileName) }

// RootAuthPath returns the canonical auth record file in dir.
func RootAuthPath(dir string) string { return filepath.Join(dir, authFileName) }

// RootPointer is the durable commitment to the ledger head.
type RootPointer struct {
	Epoch                epoch.ControlEpoch `json:"epoch"`
	MarkerStreamHeadSeq  uint64             `json:"marker_stream_head_seq"`
	MarkerStreamHeadHash markerstream.Hash  `json:"marker_stream_head_hash"`
	PublicationTimestamp time.Time          `json:"publication_timestamp"`
	PublisherID          string             `json:"publisher_id"`
	Checkpoint           *mmr.Root          `json:"checkpoint,omitempty"`
}

// Equal reports whether r and o describe the same pointer. Timestamps are
// compared as instants.
func (r RootPointer) Equal(o RootPointer) bool {
	if r.Epoch != o.Epoch ||
		r.MarkerStreamHeadSeq != o.MarkerStreamHeadSeq ||
		r.MarkerStreamHeadHash != o.MarkerStreamHeadHash ||
		!r.PublicationTimestamp.Equal(o.PublicationTimestamp) ||
		r.PublisherID != o.PublisherID {
		return false
	}
	switch {
	case r.Checkpoint == nil && o.Checkpoint == nil:
		return true
	case r.Checkpoint == nil || o.Checkpoint == nil:
		return false
	default:
		return *r.Checkpoint == *o.Checkpoint
	}
}

// RootAuthRecord binds a RootPointer to the authentication secret.
type RootAuthRecord struct {
	RootFormatVersion string             `json:"root_format_version"`
	Epoch             epoch.ControlEpoch `json:"epoch"`
	MAC               string             `json:"mac"`
}

// authMessage is the JCS encoding of the pointer plus the format version.
// Integers are decimal strings so values above 2^53 survive JCS intact.
func authMessage(version string, r RootPointer) ([]byte, error) {
	fields := map[string]string{
		"root_format_version":     version,
		"epoch":                   strconv.FormatUint(uint64(r.Epoch), 10),
		"marker_stream_head_seq":  strconv.FormatUint(r.MarkerStreamHeadSeq, 10),
		"marker_stream_head_hash": r.MarkerStreamHeadHash.String(),
		"publication_timestamp":   r.PublicationTimestamp.UTC().Format(time.RFC3339Nano),
		"publisher_id":            r.PublisherID,
	}
	if r.Checkpoint != nil {
		fields["checkpoint_tree_size"] = strconv.FormatUint(r.Checkpoint.TreeSize, 10)
		fields["checkpoint_root_hash"] = r.Checkpoint.Hash.String()
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// NewAuthRecord computes the auth record for r under key.
func NewAuthRecord(r RootPointer, key authkey.Secret) (RootAuthRecord, error) {
	msg, err := authMessage(FormatVersion, r)
	if err != nil {
		return RootAuthRecord{}, fmt.Errorf("canonicalize root: %w", err)
	}
	return RootAuthRecord{
		RootFormatVersion: FormatVersion,
		Epoch:             r.Epoch,
		MAC:               key.MAC(authkey.PurposeRootPointer, msg),
	}, nil
}

// verifyAuth checks auth's MAC over r as written by auth's own version.
func verifyAuth(r RootPointer, auth RootAuthRecord, key authkey.Secret) bool {
	msg, err := authMessage(auth.RootFormatVersion, r)
	if err != nil {
		return false
	}
	return key.Verify(authkey.PurposeRootPointer, msg, auth.MAC)
}
