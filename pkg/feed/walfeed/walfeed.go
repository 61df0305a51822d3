// Package walfeed is a durable, file-backed change log implementing
// feed.Source. Producers append change records; consumers open cursors at a
// resume position and poll. Segments are CRC-checked, rotated by size and
// truncated by the retention runner; a resume position older than the oldest
// retained record yields feed.ErrPositionExpired.
package walfeed

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"projectd/pkg/feed"
)

const (
	recordHeaderSize = 17         // 8 (seq) + 4 (crc) + 4 (length) + 1 (flags)
	fileHeaderSize   = 8          // 4 (magic) + 4 (file checksum placeholder)
	fileMagic        = 0x46454531 // "FEE1"

	// Flags
	flagCompressed = 1 << 0

	compressMinBytes = 512
	maxRecordBytes   = 100 * 1024 * 1024
)

var opCodes = map[feed.OpKind]byte{
	feed.OpInsert:  1,
	feed.OpUpdate:  2,
	feed.OpReplace: 3,
	feed.OpDelete:  4,
}

var opKinds = map[byte]feed.OpKind{
	1: feed.OpInsert,
	2: feed.OpUpdate,
	3: feed.OpReplace,
	4: feed.OpDelete,
}

// Options configure the log.
type Options struct {
	Dir            string
	MaxFileSize    int64
	EnableCompress bool
}

// segment is a single on-disk log file.
type segment struct {
	f      *os.File
	num    int
	size   int64
	minSeq int64
	maxSeq int64
	mtime  time.Time
}

// recLoc locates one record inside a segment.
type recLoc struct {
	seq    int64
	file   int
	off    int64
	length int32
}

// Log implements feed.Source over append-only segment files.
type Log struct {
	dir            string
	maxSize        int64
	enableCompress bool

	mu       sync.Mutex
	segs     []*segment
	curr     *segment
	nextNum  int
	seq      int64 // next sequence to assign
	locs     []recLoc
	crcTable *crc32.Table
	closed   bool
}

// Open opens (or creates) a log in dir and recovers existing segments,
// truncating any torn tail.
func Open(opts Options) (*Log, error) {
	if opts.MaxFileSize == 0 {
		return nil, fmt.Errorf("walfeed options missing max_file_size; ensure config.ValidateConfig() applied defaults")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feed log directory: %w", err)
	}

	l := &Log{
		dir:            opts.Dir,
		maxSize:        opts.MaxFileSize,
		enableCompress: opts.EnableCompress,
		crcTable:       crc32.MakeTable(crc32.Castagnoli),
	}

	maxSeq, err := l.recoverSegments()
	if err != nil {
		return nil, fmt.Errorf("failed to recover feed log: %w", err)
	}
	l.seq = maxSeq + 1

	if l.curr == nil {
		if err := l.createSegment(); err != nil {
			return nil, fmt.Errorf("failed to create initial segment: %w", err)
		}
	} else {
		if _, err := l.curr.f.Seek(0, io.SeekEnd); err != nil {
			return nil, fmt.Errorf("failed to seek to end of current segment: %w", err)
		}
	}
	return l, nil
}

// Append writes one change record and fsyncs, returning its sequence.
func (l *Log) Append(op feed.OpKind, payload []byte) (int64, error) {
	code, ok := opCodes[op]
	if !ok {
		return 0, fmt.Errorf("unknown operation kind %q", op)
	}
	// Recovery treats any record over maxRecordBytes as a torn tail, so an
	// oversized record must never reach the segment file.
	if len(payload)+1 > maxRecordBytes {
		return 0, fmt.Errorf("record of %d bytes exceeds the %d byte limit", len(payload)+1, maxRecordBytes)
	}

	// Envelope: 1-byte op code followed by the raw payload.
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = append(bb.B[:0], code)
	bb.B = append(bb.B, payload...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errors.New("feed log is closed")
	}

	toWrite := bb.B
	flags := byte(0)
	if l.enableCompress && len(toWrite) > compressMinBytes {
		compressed, err := compressData(toWrite)
		if err == nil && len(compressed) < len(toWrite) {
			toWrite = compressed
			flags |= flagCompressed
		}
	}

	recordSize := int64(recordHeaderSize + len(toWrite))
	if l.curr.size+recordSize > l.maxSize {
		if err := l.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	seq := l.seq
	off := l.curr.size
	if err := l.writeRecord(l.curr.f, seq, toWrite, flags); err != nil {
		return 0, fmt.Errorf("failed to write record %d: %w", seq, err)
	}
	if err := l.curr.f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync segment: %w", err)
	}

	l.curr.size += recordSize
	l.curr.mtime = time.Now()
	if l.curr.minSeq == -1 {
		l.curr.minSeq = seq
	}
	l.curr.maxSeq = seq
	l.locs = append(l.locs, recLoc{seq: seq, file: l.curr.num, off: off, length: int32(len(toWrite))})
	l.seq++
	return seq, nil
}

// OldestSeq returns the lowest retained sequence, or -1 when empty.
func (l *Log) OldestSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locs) == 0 {
		return -1
	}
	return l.locs[0].seq
}

// NewestSeq returns the highest appended sequence, or -1 when empty.
func (l *Log) NewestSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locs) == 0 {
		return -1
	}
	return l.locs[len(l.locs)-1].seq
}

// TruncateBefore deletes whole segments whose records all precede minSeq.
// The current segment is never deleted.
func (l *Log) TruncateBefore(minSeq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateLocked(func(s *segment) bool { return s.maxSeq >= 0 && s.maxSeq < minSeq })
}

// TruncateOlderThan deletes whole segments not written to since cutoff.
// Records still ahead of a consumer's checkpoint may be lost; the watcher
// recovers via its stale-position path.
func (l *Log) TruncateOlderThan(cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateLocked(func(s *segment) bool { return s.mtime.Before(cutoff) })
}

func (l *Log) truncateLocked(drop func(*segment) bool) error {
	var toDelete []*segment
	var toKeep []*segment
	for _, s := range l.segs {
		if s != l.curr && drop(s) {
			toDelete = append(toDelete, s)
		} else {
			toKeep = append(toKeep, s)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	deleted := make(map[int]struct{}, len(toDelete))
	for _, s := range toDelete {
		if err := s.f.Close(); err != nil {
			return fmt.Errorf("failed to close segment %d: %w", s.num, err)
		}
		path := filepath.Join(l.dir, segmentName(s.num))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove segment %s: %w", path, err)
		}
		deleted[s.num] = struct{}{}
	}
	l.segs = toKeep

	kept := l.locs[:0]
	for _, loc := range l.locs {
		if _, gone := deleted[loc.file]; !gone {
			kept = append(kept, loc)
		}
	}
	l.locs = kept

	if err := syncDir(l.dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// Close closes all segments safely.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, s := range l.segs {
		if err := s.f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to sync segment %d: %w", s.num, err)
		}
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment %d: %w", s.num, err)
		}
	}
	return firstErr
}

// EncodePosition encodes a record sequence as an opaque position marker.
func EncodePosition(seq int64) feed.Position {
	return feed.Position(strconv.FormatInt(seq, 10))
}

// DecodePosition decodes a position marker produced by EncodePosition.
func DecodePosition(p feed.Position) (int64, error) {
	n, err := strconv.ParseInt(string(p), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed position %q: %w", string(p), err)
	}
	return n, nil
}

// Open implements feed.Source. A nil resume position starts at the live
// tail; a resume position below the oldest retained record yields
// feed.ErrPositionExpired.
func (l *Log) Open(_ context.Context, resume feed.Position, ops []feed.OpKind) (feed.Cursor, error) {
	filter := make(map[feed.OpKind]struct{}, len(ops))
	for _, op := range ops {
		filter[op] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("feed log is closed")
	}

	next := l.seq // live tail
	if resume != nil {
		last, err := DecodePosition(resume)
		if err != nil {
			return nil, err
		}
		next = last + 1
		lowest := l.seq
		if len(l.locs) > 0 {
			lowest = l.locs[0].seq
		}
		if next < lowest {
			return nil, feed.ErrPositionExpired
		}
	}
	return &cursor{log: l, next: next, ops: filter}, nil
}

type cursor struct {
	log  *Log
	next int64
	ops  map[feed.OpKind]struct{}
}

// TryNext returns the next retained record at or after the cursor position,
// skipping filtered operation kinds. It never blocks.
func (c *cursor) TryNext(_ context.Context) (*feed.Record, bool, error) {
	for {
		rec, ok, err := c.log.readNext(c.next)
		if err != nil || !ok {
			return nil, false, err
		}
		seq, _ := DecodePosition(rec.Position)
		c.next = seq + 1
		if len(c.ops) > 0 {
			if _, want := c.ops[rec.Op]; !want {
				continue
			}
		}
		return rec, true, nil
	}
}

func (c *cursor) Close() error { return nil }

// readNext locates and decodes the first record with seq >= from.
func (l *Log) readNext(from int64) (*feed.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false, errors.New("feed log is closed")
	}

	i := sort.Search(len(l.locs), func(i int) bool { return l.locs[i].seq >= from })
	if i >= len(l.locs) {
		return nil, false, nil
	}
	loc := l.locs[i]

	var seg *segment
	for _, s := range l.segs {
		if s.num == loc.file {
			seg = s
			break
		}
	}
	if seg == nil {
		return nil, false, fmt.Errorf("segment %d missing for record %d", loc.file, loc.seq)
	}

	buf := make([]byte, recordHeaderSize+int(loc.length))
	if _, err := seg.f.ReadAt(buf, loc.off); err != nil {
		return nil, false, fmt.Errorf("failed to read record %d: %w", loc.seq, err)
	}

	seq := int64(binary.BigEndian.Uint64(buf[0:8]))
	crc := binary.BigEndian.Uint32(buf[8:12])
	flags := buf[16]
	data := buf[recordHeaderSize:]
	if seq != loc.seq {
		return nil, false, fmt.Errorf("record %d: sequence mismatch (got %d)", loc.seq, seq)
	}
	if crc32.Checksum(data, l.crcTable) != crc {
		return nil, false, fmt.Errorf("record %d: CRC mismatch", loc.seq)
	}
	if flags&flagCompressed != 0 {
		decompressed, err := decompressData(data)
		if err != nil {
			return nil, false, fmt.Errorf("record %d: decompress failed: %w", loc.seq, err)
		}
		data = decompressed
	}
	if len(data) < 1 {
		return nil, false, fmt.Errorf("record %d: empty envelope", loc.seq)
	}
	op, ok := opKinds[data[0]]
	if !ok {
		return nil, false, fmt.Errorf("record %d: unknown op code %d", loc.seq, data[0])
	}
	payload := make([]byte, len(data)-1)
	copy(payload, data[1:])
	return &feed.Record{Op: op, Payload: payload, Position: EncodePosition(loc.seq)}, true, nil
}

// --- internal helpers ---

func segmentName(num int) string { return fmt.Sprintf("%06d.feed", num) }

func (l *Log) recoverSegments() (int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, err
	}

	type fileInfo struct {
		name string
		num  int
	}
	var found []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".feed" {
			continue
		}
		num := 0
		if _, err := fmt.Sscanf(name, "%d.feed", &num); err != nil {
			continue
		}
		found = append(found, fileInfo{name: name, num: num})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].num < found[j].num })

	maxSeq := int64(-1)
	for _, fi := range found {
		fpath := filepath.Join(l.dir, fi.name)
		f, err := os.OpenFile(fpath, os.O_RDWR, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open segment %s: %w", fi.name, err)
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to stat segment %s: %w", fi.name, err)
		}
		if err := l.validateFileHeader(f); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to validate segment %s: %w", fi.name, err)
		}

		seg := &segment{f: f, num: fi.num, size: stat.Size(), minSeq: -1, maxSeq: -1, mtime: stat.ModTime()}

		locs, validSize, err := l.scanSegment(f, fi.num)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to scan segment %s: %w", fi.name, err)
		}
		// Drop a torn tail left by a crash mid-write.
		if validSize < stat.Size() {
			if err := f.Truncate(validSize); err != nil {
				f.Close()
				return 0, fmt.Errorf("failed to truncate segment %s: %w", fi.name, err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return 0, fmt.Errorf("failed to sync truncated segment %s: %w", fi.name, err)
			}
			seg.size = validSize
		}
		if len(locs) > 0 {
			seg.minSeq = locs[0].seq
			seg.maxSeq = locs[len(locs)-1].seq
			if seg.maxSeq > maxSeq {
				maxSeq = seg.maxSeq
			}
			l.locs = append(l.locs, locs...)
		}
		l.segs = append(l.segs, seg)
		if fi.num >= l.nextNum {
			l.nextNum = fi.num + 1
		}
		l.curr = seg
	}
	return maxSeq, nil
}

func (l *Log) validateFileHeader(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var magic uint32
	if err := binary.Read(f, binary.BigEndian, &magic); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file, write header
			return l.writeFileHeader(f)
		}
		return err
	}
	if magic != fileMagic {
		return fmt.Errorf("invalid file magic: 0x%X", magic)
	}
	var reserved uint32
	return binary.Read(f, binary.BigEndian, &reserved)
}

func (l *Log) writeFileHeader(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(fileMagic)); err != nil {
		return err
	}
	return binary.Write(f, binary.BigEndian, uint32(0))
}

func (l *Log) scanSegment(f *os.File, fileNum int) ([]recLoc, int64, error) {
	if _, err := f.Seek(fileHeaderSize, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var locs []recLoc
	validSize := int64(fileHeaderSize)

	for {
		recordStart := validSize

		var seq int64
		var crc uint32
		var length int32
		var flags byte

		if err := binary.Read(f, binary.BigEndian, &seq); err != nil {
			break
		}
		if err := binary.Read(f, binary.BigEndian, &crc); err != nil {
			break
		}
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			break
		}
		if err := binary.Read(f, binary.BigEndian, &flags); err != nil {
			break
		}
		if length < 0 || length > maxRecordBytes {
			break
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			break
		}
		if crc32.Checksum(data, l.crcTable) != crc {
			break
		}

		locs = append(locs, recLoc{seq: seq, file: fileNum, off: recordStart, length: length})
		validSize = recordStart + recordHeaderSize + int64(length)
	}
	return locs, validSize, nil
}

func (l *Log) createSegment() error {
	name := segmentName(l.nextNum)
	l.nextNum++
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := l.writeFileHeader(f); err != nil {
		f.Close()
		return err
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	seg := &segment{f: f, num: l.nextNum - 1, size: fileHeaderSize, minSeq: -1, maxSeq: -1, mtime: time.Now()}
	l.segs = append(l.segs, seg)
	l.curr = seg
	return nil
}

func (l *Log) rotate() error {
	if err := l.curr.f.Sync(); err != nil {
		return err
	}
	return l.createSegment()
}

func (l *Log) writeRecord(f *os.File, seq int64, data []byte, flags byte) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, seq); err != nil {
		return err
	}
	crc := crc32.Checksum(data, l.crcTable)
	if err := binary.Write(&buf, binary.BigEndian, crc); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(len(data))); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, flags); err != nil {
		return err
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	_, err := f.Write(buf.Bytes())
	return err
}

func compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
