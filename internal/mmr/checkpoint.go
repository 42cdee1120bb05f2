package mmr

import (
	"math/bits"
	"sync"

	"github.com/jmerrifield20/nexusledger/internal/markerstream"
)

// Root is the single commitment value of a checkpoint.
type Root struct {
	TreeSize uint64 `json:"tree_size"`
	Hash     Hash   `json:"root_hash"`
}

// Peak is the root of one perfect subtree of the mountain range.
type Peak struct {
	Height int  `json:"height"`
	Hash   Hash `json:"hash"`
}

// Checkpoint is a Merkle Mountain Range over marker hashes.
//
// levels[h][i] holds the root of the perfect subtree of height h covering
// leaves [i<<h, (i+1)<<h). Appending a leaf merges equal-height peaks, so the
// peaks of an n-leaf range follow the binary decomposition of n. The root
// bags the peaks right to left, which makes it equal to the RFC 6962 tree
// hash over the same leaves.
//
// A disabled checkpoint fails every operation with MMR_DISABLED.
type Checkpoint struct {
	mu      sync.RWMutex
	enabled bool
	levels  [][]Hash
}

// New returns an empty checkpoint.
func New(enabled bool) *Checkpoint {
	return &Checkpoint{enabled: enabled}
}

// Enabled returns an empty, enabled checkpoint.
func Enabled() *Checkpoint { return New(true) }

// Disabled returns a checkpoint whose proof operations all fail closed.
func Disabled() *Checkpoint { return New(false) }

// IsEnabled reports whether the proof system is on.
func (c *Checkpoint) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled toggles the feature gate. Accumulated leaves are kept; callers
// re-enabling after a gap should RebuildFromStream or SyncFromStream.
func (c *Checkpoint) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// TreeSize returns the number of leaves.
func (c *Checkpoint) TreeSize() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size()
}

func (c *Checkpoint) size() uint64 {
	if len(c.levels) == 0 {
		return 0
	}
	return uint64(len(c.levels[0]))
}

// Root returns the current commitment. It is absent when the checkpoint is
// disabled or empty.
func (c *Checkpoint) Root() (Root, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled || c.size() == 0 {
		return Root{}, false
	}
	return c.root(), true
}

func (c *Checkpoint) root() Root {
	n := c.size()
	return Root{TreeSize: n, Hash: c.subtree(0, n)}
}

// Peaks lists the peaks from the tallest (leftmost) to the shortest.
func (c *Checkpoint) Peaks() []Peak {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.size()
	var (
		peaks  []Peak
		offset uint64
	)
	for h := bits.Len64(n) - 1; h >= 0; h-- {
		if n&(1<<uint(h)) == 0 {
			continue
		}
		peaks = append(peaks, Peak{Height: h, Hash: c.levels[h][offset>>uint(h)]})
		offset += 1 << uint(h)
	}
	return peaks
}

// LeafAt returns the leaf hash at index i.
func (c *Checkpoint) LeafAt(i uint64) (Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i >= c.size() {
		return Hash{}, false
	}
	return c.levels[0][i], true
}

// AppendMarkerHash adds one leaf and returns the new root.
func (c *Checkpoint) AppendMarkerHash(markerHash Hash) (Root, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return Root{}, ErrDisabled
	}
	c.push(LeafHash(markerHash))
	return c.root(), nil
}

// RebuildFromStream discards all state and recomputes the range from a
// snapshot of s. Equal streams always produce equal roots.
func (c *Checkpoint) RebuildFromStream(s *markerstream.Stream) (Root, error) {
	hashes := s.Snapshot().Hashes()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return Root{}, ErrDisabled
	}
	c.levels = nil
	for _, h := range hashes {
		c.push(LeafHash(h))
	}
	if c.size() == 0 {
		return Root{}, errorf(CodeEmptyCheckpoint, "stream has no markers")
	}
	return c.root(), nil
}

// SyncFromStream catches the checkpoint up with s. If s is not longer than
// the checkpoint (torn-tail recovery shrank it, or nothing changed) the
// checkpoint is rebuilt from scratch.
func (c *Checkpoint) SyncFromStream(s *markerstream.Stream) (Root, error) {
	snap := s.Snapshot()

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return Root{}, ErrDisabled
	}
	have := c.size()
	if snap.Len() <= have {
		c.mu.Unlock()
		return c.RebuildFromStream(snap)
	}
	defer c.mu.Unlock()
	for _, m := range snap.Range(have, snap.Len()) {
		c.push(LeafHash(m.Hash))
	}
	return c.root(), nil
}

// AtSize returns an independent checkpoint over the first n leaves.
func (c *Checkpoint) AtSize(n uint64) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return nil, ErrDisabled
	}
	if n == 0 {
		return nil, errorf(CodeEmptyCheckpoint, "requested size 0")
	}
	if n > c.size() {
		return nil, errorf(CodeSequenceOutOfRange, "size %d exceeds tree size %d", n, c.size())
	}
	out := &Checkpoint{enabled: true}
	for h := 0; h < len(c.levels) && n>>uint(h) > 0; h++ {
		level := make([]Hash, n>>uint(h))
		copy(level, c.levels[h])
		out.levels = append(out.levels, level)
	}
	return out, nil
}

func (c *Checkpoint) push(leaf Hash) {
	if len(c.levels) == 0 {
		c.levels = append(c.levels, nil)
	}
	c.levels[0] = append(c.levels[0], leaf)
	for h := 0; len(c.levels[h])%2 == 0; h++ {
		level := c.levels[h]
		parent := nodeHash(level[len(level)-2], level[len(level)-1])
		if h+1 == len(c.levels) {
			c.levels = append(c.levels, nil)
		}
		c.levels[h+1] = append(c.levels[h+1], parent)
	}
}

// subtree returns the RFC 6962 tree hash of leaves [lo, hi), hi > lo.
// Aligned power-of-two ranges are stored; the rest recurse down the right edge.
func (c *Checkpoint) subtree(lo, hi uint64) Hash {
	n := hi - lo
	if isPow2(n) && lo%n == 0 {
		h := bits.TrailingZeros64(n)
		return c.levels[h][lo>>uint(h)]
	}
	k := largestPow2Below(n)
	return nodeHash(c.subtree(lo, lo+k), c.subtree(lo+k, hi))
}
