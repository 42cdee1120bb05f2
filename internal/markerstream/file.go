package markerstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileName is the marker log file inside a FileLog directory.
const FileName = "markers.log"

// frameOverhead is the length prefix plus the trailing CRC32.
const frameOverhead = 8

// maxFrameBytes bounds a single encoded marker; a larger length prefix can
// only come from a torn or corrupted header.
const maxFrameBytes = MaxPayloadBytes + 64*1024

var (
	// ErrLogCorrupted is returned when a frame before the tail fails its
	// checksum. Only the final frame may be repaired automatically.
	ErrLogCorrupted = errors.New("markerstream: log corrupted")

	// ErrLogClosed is returned by operations on a closed FileLog.
	ErrLogClosed = errors.New("markerstream: log closed")
)

// FileLog stores markers as length-prefixed, CRC32-checked JSON frames in a
// single append-only file:
//
//	[4 byte big-endian length][JSON marker][4 byte big-endian CRC32 IEEE]
type FileLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	offsets []int64 // end offset of each stored frame
	broken  error
	logger  *zap.Logger
}

// OpenFileLog opens (creating if needed) the marker log in dir. Call Load
// before appending.
func OpenFileLog(dir string, logger *zap.Logger) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open marker log: %w", err)
	}
	return &FileLog{
		path:   path,
		file:   f,
		buf:    bufio.NewWriter(f),
		logger: logger,
	}, nil
}

// Path returns the log file path.
func (l *FileLog) Path() string { return l.path }

// Load implements Log. A trailing frame that is short, fails its checksum or
// does not decode is cut off the file and the file is synced.
func (l *FileLog) Load(_ context.Context) ([]Marker, RecoveryReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil, RecoveryReport{}, ErrLogClosed
	}

	info, err := l.file.Stat()
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("stat marker log: %w", err)
	}
	size := info.Size()

	rf, err := os.Open(l.path)
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("open marker log for reading: %w", err)
	}
	defer rf.Close()

	var (
		markers []Marker
		offsets []int64
		report  RecoveryReport
		off     int64
	)
	dec := newFrameDecoder(bufio.NewReader(rf))
	for off < size {
		m, n, err := dec.decode(size - off)
		if err == nil {
			off += n
			markers = append(markers, m)
			offsets = append(offsets, off)
			continue
		}
		if !errors.Is(err, errTornFrame) {
			return nil, report, fmt.Errorf("%w: frame at offset %d: %v", ErrLogCorrupted, off, err)
		}
		if err := checkTornRegion(rf, off, size); err != nil {
			return nil, report, err
		}
		report.TruncatedBytes = size - off
		report.Cause = CodeTornTail
		if errors.Is(err, errBadChecksum) {
			report.Cause = CodeIntegrityFailure
		}
		break
	}

	if report.TruncatedBytes > 0 {
		if err := l.file.Truncate(off); err != nil {
			return nil, report, fmt.Errorf("truncate torn frame: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return nil, report, fmt.Errorf("sync after truncate: %w", err)
		}
		l.logger.Warn("marker log torn frame truncated",
			zap.String("path", l.path),
			zap.Int64("offset", off),
			zap.Int64("bytes", report.TruncatedBytes),
		)
	}

	l.offsets = offsets
	l.broken = nil
	return markers, report, nil
}

// Append implements Log. The frame is flushed and fsynced before returning.
func (l *FileLog) Append(_ context.Context, m Marker) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrLogClosed
	}
	if l.broken != nil {
		return fmt.Errorf("marker log unusable after earlier failure: %w", l.broken)
	}
	if want := uint64(len(l.offsets)); m.Sequence != want {
		return newError(CodeSequenceGap, want, fmt.Sprintf("log expects sequence %d, got %d", want, m.Sequence))
	}

	n, err := encodeFrame(l.buf, m)
	if err == nil {
		err = l.flushAndSync()
	}
	if err != nil {
		// The file may now hold a partial frame; the next Load repairs it.
		l.broken = err
		return fmt.Errorf("append marker %d: %w", m.Sequence, err)
	}

	var end int64
	if len(l.offsets) > 0 {
		end = l.offsets[len(l.offsets)-1]
	}
	l.offsets = append(l.offsets, end+n)

	l.logger.Debug("marker appended",
		zap.Uint64("seq", m.Sequence),
		zap.String("event_type", m.EventType.Label()),
		zap.String("trace_id", m.TraceID),
	)
	return nil
}

// Truncate implements Log.
func (l *FileLog) Truncate(_ context.Context, n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrLogClosed
	}
	if n >= uint64(len(l.offsets)) {
		return nil
	}
	var end int64
	if n > 0 {
		end = l.offsets[n-1]
	}
	if err := l.file.Truncate(end); err != nil {
		return fmt.Errorf("truncate marker log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync marker log: %w", err)
	}
	l.offsets = l.offsets[:n]
	return nil
}

// Len implements Log.
func (l *FileLog) Len(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.offsets)), nil
}

// Close implements Log.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.flushAndSync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *FileLog) flushAndSync() error {
	if err := l.buf.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

var (
	errTornFrame   = errors.New("torn frame")
	errBadChecksum = fmt.Errorf("%w: checksum mismatch", errTornFrame)
)

// checkTornRegion confirms that the bytes from off to size can be the
// remains of one interrupted append: no longer than a single frame and
// holding no complete frame of their own.
func checkTornRegion(r io.ReaderAt, off, size int64) error {
	tail := size - off
	if tail > maxFrameBytes+frameOverhead {
		return fmt.Errorf("%w: %d unreadable bytes at offset %d exceed one frame", ErrLogCorrupted, tail, off)
	}
	buf := make([]byte, tail)
	if _, err := r.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read torn region: %w", err)
	}
	for i := int64(1); i+frameOverhead <= tail; i++ {
		length := int64(binary.BigEndian.Uint32(buf[i:]))
		end := i + 4 + length
		if length == 0 || end+4 > tail {
			continue
		}
		if binary.BigEndian.Uint32(buf[end:]) == crc32.ChecksumIEEE(buf[i+4:end]) {
			return fmt.Errorf("%w: intact frame at offset %d follows unreadable frame at offset %d", ErrLogCorrupted, off+i, off)
		}
	}
	return nil
}

func encodeFrame(w io.Writer, m Marker) (int64, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("marshal marker: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(hdr[:], crc32.ChecksumIEEE(data))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	return int64(len(data)) + frameOverhead, nil
}

type frameDecoder struct {
	r   io.Reader
	hdr [4]byte
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	return &frameDecoder{r: r}
}

// decode reads one frame. remaining is the number of bytes left in the file
// from the start of this frame; a bad frame that ends exactly at EOF is torn,
// a bad frame followed by more data is corruption.
func (d *frameDecoder) decode(remaining int64) (Marker, int64, error) {
	if remaining < frameOverhead {
		return Marker{}, 0, errTornFrame
	}
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Marker{}, 0, errTornFrame
	}
	// Appends only ever write in-limit lengths, so an oversized header is
	// corruption even at the tail.
	length := int64(binary.BigEndian.Uint32(d.hdr[:]))
	if length > maxFrameBytes {
		return Marker{}, 0, fmt.Errorf("frame length %d exceeds limit", length)
	}
	total := length + frameOverhead
	if total > remaining {
		return Marker{}, 0, errTornFrame
	}
	atTail := total == remaining

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return Marker{}, 0, errTornFrame
	}
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Marker{}, 0, errTornFrame
	}
	if binary.BigEndian.Uint32(d.hdr[:]) != crc32.ChecksumIEEE(data) {
		if atTail {
			return Marker{}, 0, errBadChecksum
		}
		return Marker{}, 0, errors.New("checksum mismatch")
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		if atTail {
			return Marker{}, 0, fmt.Errorf("%w: %v", errTornFrame, err)
		}
		return Marker{}, 0, fmt.Errorf("decode marker: %w", err)
	}
	return m, total, nil
}
