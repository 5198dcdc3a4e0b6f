// Package persist keeps outbound deliveries on disk while peers are unreachable.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/uppehq/node/pkg/types"
)

const (
	segmentExt     = ".spill"
	cursorFileName = "cursor.json"
	headerSize     = 8

	defaultMaxBytes     = 256 << 20
	defaultSegmentBytes = 8 << 20
)

var errCorrupt = errors.New("corrupt record")

// Log is an append-only sequence of segment files with a persisted read cursor.
// Each record is a big-endian uint32 length, a CRC32 of the payload, and the JSON
// encoded delivery. A record that fails its checksum ends the segment.
type Log struct {
	mu           sync.Mutex
	dir          string
	maxBytes     int64
	segmentBytes int64

	segments []segmentInfo
	active   *os.File
	cursor   Position
	total    int64
}

type segmentInfo struct {
	id   int64
	size int64
}

// Position addresses a byte offset inside a segment.
type Position struct {
	Segment int64 `json:"segment"`
	Offset  int64 `json:"offset"`
}

// Batch is a run of deliveries read from the cursor. Commit advances past it.
type Batch struct {
	Deliveries []types.Delivery
	end        Position
}

type Options struct {
	MaxBytes     int64
	SegmentBytes int64
}

func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure spill dir %q: %w", dir, err)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = defaultSegmentBytes
	}
	if opts.SegmentBytes > opts.MaxBytes {
		opts.SegmentBytes = opts.MaxBytes
	}

	l := &Log{dir: dir, maxBytes: opts.MaxBytes, segmentBytes: opts.SegmentBytes}
	if err := l.scan(); err != nil {
		return nil, err
	}
	if err := l.loadCursor(); err != nil {
		return nil, err
	}
	// A previous process may have left a torn record at the tail, so appends always
	// start in a fresh segment.
	if last := l.segments[len(l.segments)-1]; last.size > 0 {
		l.segments = append(l.segments, segmentInfo{id: last.id + 1})
	}
	if err := l.openActive(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) Append(d types.Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	record := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(payload))
	copy(record[headerSize:], payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	last := &l.segments[len(l.segments)-1]
	if last.size > 0 && last.size+int64(len(record)) > l.segmentBytes {
		if err := l.roll(last.id + 1); err != nil {
			return err
		}
		last = &l.segments[len(l.segments)-1]
	}
	if _, err := l.active.Write(record); err != nil {
		return fmt.Errorf("write spill segment %d: %w", last.id, err)
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("sync spill segment %d: %w", last.id, err)
	}
	last.size += int64(len(record))
	l.total += int64(len(record))
	return l.trim()
}

// Peek reads up to max deliveries starting at the cursor without consuming them.
func (l *Log) Peek(max int) (Batch, error) {
	if max <= 0 {
		max = 256
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := Batch{end: l.cursor}
	for _, seg := range l.segments {
		if seg.id < l.cursor.Segment || len(batch.Deliveries) >= max {
			continue
		}
		offset := int64(0)
		if seg.id == l.cursor.Segment {
			offset = l.cursor.Offset
		}
		if offset >= seg.size {
			batch.end = Position{Segment: seg.id, Offset: seg.size}
			continue
		}
		read, next, err := l.readSegment(seg, offset, max-len(batch.Deliveries))
		if errors.Is(err, errCorrupt) && seg.id != l.activeID() {
			next = seg.size
		} else if err != nil && !errors.Is(err, errCorrupt) {
			return Batch{}, err
		}
		batch.Deliveries = append(batch.Deliveries, read...)
		batch.end = Position{Segment: seg.id, Offset: next}
		if next < seg.size {
			break
		}
	}
	return batch, nil
}

// Commit moves the cursor past batch and removes fully consumed segments.
func (l *Log) Commit(batch Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if batch.end.Segment < l.cursor.Segment ||
		(batch.end.Segment == l.cursor.Segment && batch.end.Offset <= l.cursor.Offset) {
		return nil
	}
	l.cursor = batch.end
	for len(l.segments) > 1 {
		head := l.segments[0]
		if head.id > l.cursor.Segment || (head.id == l.cursor.Segment && l.cursor.Offset < head.size) {
			break
		}
		if err := l.dropHead(); err != nil {
			return err
		}
	}
	return l.saveCursor()
}

// Pending returns the number of bytes not yet committed.
func (l *Log) Pending() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending int64
	for _, seg := range l.segments {
		switch {
		case seg.id > l.cursor.Segment:
			pending += seg.size
		case seg.id == l.cursor.Segment && seg.size > l.cursor.Offset:
			pending += seg.size - l.cursor.Offset
		}
	}
	return pending
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil
	}
	err := l.active.Close()
	l.active = nil
	return err
}

func (l *Log) readSegment(seg segmentInfo, offset int64, max int) ([]types.Delivery, int64, error) {
	f, err := os.Open(l.segmentPath(seg.id))
	if err != nil {
		return nil, offset, fmt.Errorf("open spill segment %d: %w", seg.id, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek spill segment %d: %w", seg.id, err)
	}

	var out []types.Delivery
	header := make([]byte, headerSize)
	for len(out) < max && offset < seg.size {
		if _, err := io.ReadFull(f, header); err != nil {
			return out, offset, errCorrupt
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if int64(length) > seg.size-offset-headerSize {
			return out, offset, errCorrupt
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return out, offset, errCorrupt
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return out, offset, errCorrupt
		}
		var d types.Delivery
		if err := json.Unmarshal(payload, &d); err != nil {
			return out, offset, errCorrupt
		}
		out = append(out, d)
		offset += headerSize + int64(length)
	}
	return out, offset, nil
}

func (l *Log) scan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read spill dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		l.segments = append(l.segments, segmentInfo{id: id, size: info.Size()})
		l.total += info.Size()
	}
	sort.Slice(l.segments, func(i, j int) bool { return l.segments[i].id < l.segments[j].id })
	if len(l.segments) == 0 {
		l.segments = []segmentInfo{{id: 1}}
	}
	return nil
}

func (l *Log) loadCursor() error {
	data, err := os.ReadFile(filepath.Join(l.dir, cursorFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.cursor = Position{Segment: l.segments[0].id}
		return nil
	case err != nil:
		return fmt.Errorf("read spill cursor: %w", err)
	}
	if err := json.Unmarshal(data, &l.cursor); err != nil {
		return fmt.Errorf("parse spill cursor: %w", err)
	}
	if l.cursor.Segment < l.segments[0].id {
		l.cursor = Position{Segment: l.segments[0].id}
	}
	return nil
}

func (l *Log) saveCursor() error {
	path := filepath.Join(l.dir, cursorFileName)
	data, err := json.Marshal(l.cursor)
	if err != nil {
		return fmt.Errorf("marshal spill cursor: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write spill cursor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit spill cursor: %w", err)
	}
	return nil
}

func (l *Log) openActive() error {
	id := l.activeID()
	f, err := os.OpenFile(l.segmentPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spill segment %d: %w", id, err)
	}
	l.active = f
	return nil
}

func (l *Log) roll(id int64) error {
	if l.active != nil {
		if err := l.active.Close(); err != nil {
			return fmt.Errorf("close spill segment: %w", err)
		}
	}
	l.segments = append(l.segments, segmentInfo{id: id})
	return l.openActive()
}

// trim drops the oldest sealed segments while the log exceeds its byte budget.
func (l *Log) trim() error {
	dropped := false
	for l.total > l.maxBytes && len(l.segments) > 1 {
		if err := l.dropHead(); err != nil {
			return err
		}
		dropped = true
	}
	if dropped {
		return l.saveCursor()
	}
	return nil
}

func (l *Log) dropHead() error {
	head := l.segments[0]
	if err := os.Remove(l.segmentPath(head.id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spill segment %d: %w", head.id, err)
	}
	l.total -= head.size
	l.segments = l.segments[1:]
	if l.cursor.Segment <= head.id {
		l.cursor = Position{Segment: l.segments[0].id}
	}
	return nil
}

func (l *Log) activeID() int64 {
	return l.segments[len(l.segments)-1].id
}

func (l *Log) segmentPath(id int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%08d%s", id, segmentExt))
}
