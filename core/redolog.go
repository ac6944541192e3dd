// Redo log: append-only file-or-memory backing for a chain's events.
//
// Grounded on core/ledger.go's WAL handling in NewLedger/OpenLedger
// (os.OpenFile with O_CREATE|O_RDWR|O_APPEND, bufio.Scanner-driven replay,
// deferred close-on-error) and core/storage.go's gzip-based archival,
// adapted from block-shaped JSON records to the spec's varint-framed
// meta/body event records and from "blocks" to "segments".
package core

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var redoMagic = [4]byte{'A', 'T', 'E', '1'}

const redoVersion byte = 1

// OpenFlags selects how a redo log segment set is opened, grounded
// field-for-field on original_source/lib/src/redo/flags.rs.
type OpenFlags struct {
	ReadOnly bool
	Truncate bool
	Temporal bool // memory-only backing; nothing is written to disk
	Integrity IntegrityMode
}

// OpenFlagsCreateDistributed mirrors flags.rs's create_distributed().
func OpenFlagsCreateDistributed() OpenFlags {
	return OpenFlags{Truncate: true, Integrity: IntegrityMode{Centralized: false}}
}

// OpenFlagsCreateCentralized mirrors flags.rs's create_centralized(): the
// session hash is minted fresh, never loaded from disk.
func OpenFlagsCreateCentralized() (OpenFlags, error) {
	im, err := NewCentralizedIntegrity()
	if err != nil {
		return OpenFlags{}, err
	}
	return OpenFlags{Truncate: true, Integrity: im}, nil
}

// OpenFlagsOpenDistributed mirrors flags.rs's open_distributed().
func OpenFlagsOpenDistributed() OpenFlags {
	return OpenFlags{Truncate: false, Integrity: IntegrityMode{Centralized: false}}
}

// OpenFlagsOpenCentralized mirrors flags.rs's open_centralized(): like
// create, the session hash is freshly generated on every call.
func OpenFlagsOpenCentralized() (OpenFlags, error) {
	im, err := NewCentralizedIntegrity()
	if err != nil {
		return OpenFlags{}, err
	}
	return OpenFlags{Truncate: false, Integrity: im}, nil
}

// OpenFlagsEthereal mirrors flags.rs's ethereal(): temporal, in-memory only.
func OpenFlagsEthereal() (OpenFlags, error) {
	im, err := NewCentralizedIntegrity()
	if err != nil {
		return OpenFlags{}, err
	}
	return OpenFlags{Temporal: true, Integrity: im}, nil
}

// LogLookup resolves back to the bytes of one event. Offset/Length locate
// the record within the segment file named by Segment.
type LogLookup struct {
	Segment uint64
	Offset  int64
	Length  int64
}

// Loader receives every event emitted during an open-time replay, driving
// UI progress the way spec.md §4.3 describes.
type Loader interface {
	OnLoad(lookup LogLookup, header ChainHeader, e *Event)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(lookup LogLookup, header ChainHeader, e *Event)

func (f LoaderFunc) OnLoad(lookup LogLookup, header ChainHeader, e *Event) { f(lookup, header, e) }

// segment is one physical file (or, when Temporal, an in-memory buffer)
// backing a contiguous run of events between rotations.
type segment struct {
	id     uint64
	file   *os.File
	mem    *bytes.Buffer // used instead of file when Temporal
	path   string
	header ChainHeader
}

func (s *segment) writer() io.Writer {
	if s.mem != nil {
		return s.mem
	}
	return s.file
}

func (s *segment) sync() error {
	if s.mem != nil {
		return nil
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.mem != nil {
		return nil
	}
	return s.file.Close()
}

// RedoLog is the append-only persistence layer for one chain. It stores
// nothing encryption-aware; encryption lives in the pipeline above it.
type RedoLog struct {
	mu       sync.Mutex
	dir      string
	stem     string
	flags    OpenFlags
	format   BodyFormat
	segments []*segment
	active   *segment
	closed   bool
}

// pathFor returns the segment file path for chain key stem "a/b": the
// persisted-state layout from spec.md §6, <log_path>/<a>/<b>.log plus a
// <b>.redo rotation suffix.
func pathFor(dir, stem string, seg uint64) string {
	if seg == 0 {
		return filepath.Join(dir, stem+".log")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%d.redo", stem, seg))
}

// OpenRedoLog opens (or creates) the segment set for stem under dir,
// replaying every existing segment in order through loader.
func OpenRedoLog(dir, stem string, format BodyFormat, flags OpenFlags, loader Loader) (*RedoLog, error) {
	rl := &RedoLog{dir: dir, stem: stem, flags: flags, format: format}

	if flags.Temporal {
		seg := &segment{id: 0, mem: &bytes.Buffer{}}
		if err := writeSegmentMagic(seg); err != nil {
			return nil, wrapKind(KindLoad, "open temporal segment", err)
		}
		rl.segments = append(rl.segments, seg)
		rl.active = seg
		return rl, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapKind(KindLoad, "mkdir log dir", err)
	}

	flag := os.O_CREATE | os.O_RDWR
	if flags.ReadOnly {
		flag = os.O_RDONLY
	}
	if flags.Truncate {
		flag |= os.O_TRUNC
	}

	var segID uint64
	for {
		p := pathFor(dir, stem, segID)
		if _, err := os.Stat(p); err != nil {
			break
		}
		segID++
	}
	// segID now names the next segment to create; replay every existing one
	// from 0..segID-1 plus the base .log file (segment 0) before it.
	var existing []uint64
	if _, err := os.Stat(pathFor(dir, stem, 0)); err == nil {
		existing = append(existing, 0)
	}
	for i := uint64(1); i < segID; i++ {
		existing = append(existing, i)
	}

	for _, id := range existing {
		if err := rl.replaySegmentFile(id, loader); err != nil {
			return nil, wrapKind(KindLoad, "replay segment", err)
		}
	}

	openID := uint64(0)
	if len(existing) > 0 {
		openID = existing[len(existing)-1]
	}
	for _, id := range existing {
		if id == openID {
			continue
		}
		sf, err := os.Open(pathFor(dir, stem, id))
		if err != nil {
			return nil, wrapKind(KindLoad, "open sealed segment", err)
		}
		rl.segments = append(rl.segments, &segment{id: id, file: sf, path: pathFor(dir, stem, id)})
	}
	f, err := os.OpenFile(pathFor(dir, stem, openID), flag, 0o600)
	if err != nil {
		return nil, wrapKind(KindLoad, "open active segment", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, wrapKind(KindLoad, "seek active segment", err)
	}
	seg := &segment{id: openID, file: f, path: pathFor(dir, stem, openID)}
	if flags.Truncate || len(existing) == 0 {
		if err := writeSegmentMagic(seg); err != nil {
			return nil, wrapKind(KindLoad, "write segment magic", err)
		}
	}
	rl.segments = append(rl.segments, seg)
	rl.active = seg
	return rl, nil
}

func writeSegmentMagic(seg *segment) error {
	buf := append(append([]byte{}, redoMagic[:]...), redoVersion)
	_, err := seg.writer().Write(buf)
	return err
}

func (rl *RedoLog) replaySegmentFile(id uint64, loader Loader) error {
	f, err := os.Open(pathFor(rl.dir, rl.stem, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if magic != redoMagic {
		return fmt.Errorf("bad segment magic in %s", pathFor(rl.dir, rl.stem, id))
	}
	verByte := make([]byte, 1)
	if _, err := io.ReadFull(r, verByte); err != nil {
		return err
	}

	var header ChainHeader
	headerRead := false
	offset := int64(5)
	for {
		startOffset := offset
		metaLen, n1, err := readUvarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		metaBytes := make([]byte, metaLen)
		if _, err := io.ReadFull(r, metaBytes); err != nil {
			return err
		}
		bodyLen, n2, err := readUvarint(r)
		if err != nil {
			return err
		}
		bodyBytes := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, bodyBytes); err != nil {
			return err
		}
		consumed := int64(n1) + int64(metaLen) + int64(n2) + int64(bodyLen)
		offset += consumed

		if !headerRead {
			if err := Decode(rl.format, metaBytes, &header); err == nil {
				headerRead = true
				continue
			}
		}

		meta, err := DecodeMeta(rl.format, metaBytes)
		if err != nil {
			return err
		}
		e := &Event{Meta: meta}
		if len(bodyBytes) > 0 {
			h := Hash(bodyBytes)
			e.DataHash = &h
			e.Body = bodyBytes
		}
		lookup := LogLookup{Segment: id, Offset: startOffset, Length: consumed}
		if loader != nil {
			loader.OnLoad(lookup, header, e)
		}
	}
	return nil
}

func readUvarint(r *bufio.Reader) (uint64, int, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, err
	}
	// bufio.Reader doesn't expose bytes consumed directly; re-derive length
	// by re-encoding, which is exact for canonical varints.
	var tmp [binary.MaxVarintLen64]byte
	sz := binary.PutUvarint(tmp[:], n)
	return n, sz, nil
}

// Append writes one event to the active segment and returns its lookup.
// Flush is deferred: durability is only guaranteed after a subsequent Flush.
func (rl *RedoLog) Append(header ChainHeader, e *Event) (LogLookup, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return LogLookup{}, wrapKind(KindSink, "append", ErrClosed)
	}
	if rl.flags.ReadOnly {
		return LogLookup{}, wrapKind(KindSink, "append", fmt.Errorf("log is read-only"))
	}

	frame, err := EncodeSegmentEvent(rl.format, e)
	if err != nil {
		return LogLookup{}, err
	}

	var off int64
	if rl.active.file != nil {
		pos, err := rl.active.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return LogLookup{}, wrapKind(KindSink, "append seek", err)
		}
		off = pos
	} else {
		off = int64(rl.active.mem.Len())
	}

	if _, err := rl.active.writer().Write(frame); err != nil {
		return LogLookup{}, wrapKind(KindSink, "append write", err)
	}
	rl.active.header = header

	return LogLookup{Segment: rl.active.id, Offset: off, Length: int64(len(frame))}, nil
}

// Flush is the fsync-equivalent durability barrier.
func (rl *RedoLog) Flush() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return wrapKind(KindSink, "flush", ErrClosed)
	}
	return wrapKind(KindSink, "flush", rl.active.sync())
}

// Load resolves a LogLookup back to event bytes.
func (rl *RedoLog) Load(lookup LogLookup) (*Event, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var seg *segment
	for _, s := range rl.segments {
		if s.id == lookup.Segment {
			seg = s
			break
		}
	}
	if seg == nil {
		return nil, wrapKind(KindLoad, "load", ErrNotFound)
	}

	var raw []byte
	if seg.mem != nil {
		b := seg.mem.Bytes()
		if lookup.Offset+lookup.Length > int64(len(b)) {
			return nil, wrapKind(KindLoad, "load", ErrNotFound)
		}
		raw = b[lookup.Offset : lookup.Offset+lookup.Length]
	} else {
		buf := make([]byte, lookup.Length)
		if _, err := seg.file.ReadAt(buf, lookup.Offset); err != nil {
			return nil, wrapKind(KindLoad, "load", err)
		}
		raw = buf
	}
	return DecodeSegmentEvent(rl.format, raw)
}

// Rotate closes the current segment and starts a new one whose in-memory
// header declares a new cut-off; the header is not written to the file.
func (rl *RedoLog) Rotate(newHeader ChainHeader) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return wrapKind(KindCompact, "rotate", ErrClosed)
	}
	if err := rl.active.sync(); err != nil {
		return wrapKind(KindCompact, "rotate sync", err)
	}

	nextID := rl.active.id + 1
	if rl.flags.Temporal {
		seg := &segment{id: nextID, mem: &bytes.Buffer{}, header: newHeader}
		if err := writeSegmentMagic(seg); err != nil {
			return wrapKind(KindCompact, "rotate", err)
		}
		rl.segments = append(rl.segments, seg)
		rl.active = seg
		return nil
	}

	f, err := os.OpenFile(pathFor(rl.dir, rl.stem, nextID), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return wrapKind(KindCompact, "rotate open", err)
	}
	seg := &segment{id: nextID, file: f, path: pathFor(rl.dir, rl.stem, nextID), header: newHeader}
	if err := writeSegmentMagic(seg); err != nil {
		return wrapKind(KindCompact, "rotate magic", err)
	}
	rl.segments = append(rl.segments, seg)
	rl.active = seg
	return nil
}

// Backup streams every segment's bytes to w. If includeActive is false the
// currently-active segment is skipped (e.g. to snapshot only sealed data).
// Grounded on core/storage.go's gzip-based archival.
func (rl *RedoLog) Backup(w io.Writer, includeActive bool) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	gz := gzip.NewWriter(w)
	defer gz.Close()

	for _, seg := range rl.segments {
		if seg == rl.active && !includeActive {
			continue
		}
		var raw []byte
		if seg.mem != nil {
			raw = seg.mem.Bytes()
		} else {
			if err := seg.file.Sync(); err != nil {
				return wrapKind(KindSink, "backup sync", err)
			}
			b, err := os.ReadFile(seg.path)
			if err != nil {
				return wrapKind(KindSink, "backup read", err)
			}
			raw = b
		}
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(raw)))
		if _, err := gz.Write(lenBuf[:]); err != nil {
			return wrapKind(KindSink, "backup write", err)
		}
		if _, err := gz.Write(raw); err != nil {
			return wrapKind(KindSink, "backup write", err)
		}
	}
	return nil
}

// Destroy deletes all segments for this log.
func (rl *RedoLog) Destroy() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, seg := range rl.segments {
		seg.close()
		if seg.path != "" {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return wrapKind(KindSink, "destroy", err)
			}
		}
	}
	rl.segments = nil
	rl.active = nil
	rl.closed = true
	return nil
}

// Close releases every segment's file handle without deleting data.
func (rl *RedoLog) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return nil
	}
	rl.closed = true
	for _, seg := range rl.segments {
		if err := seg.close(); err != nil {
			return wrapKind(KindSink, "close", err)
		}
	}
	return nil
}
