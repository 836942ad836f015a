package replay

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var sessionIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	frameInterval   = 200 * time.Millisecond
	frameHeaderSize = 8 + 8 + 8 + 4

	manifestFile = "manifest.json"
	headerFile   = "header.json"
	eventsFile   = "events.jsonl.sz"
	framesFile   = "effects.bin.zst"
)

// Event types written to the event log.
const (
	EventBootstrap  = "bootstrap"
	EventSnapshot   = "snapshot"
	EventSpawn      = "spawn"
	EventRelease    = "release"
	EventFetchError = "fetch_error"
	EventComplete   = "complete"
)

type frameBlob struct {
	Cycle      uint64
	Sequence   uint64
	CapturedAt time.Time
	Payload    []byte
}

// eventRecord is one line of the snappy compressed event log.
type eventRecord struct {
	Cycle      uint64 `json:"cycle"`
	CapturedAt string `json:"captured_at"`
	Type       string `json:"type"`
	PayloadB64 string `json:"payload_b64"`
}

// Writer stores one session: raw inputs go to the event log and effect
// batches to the zstd frame stream.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	header      Header
	closed      bool
}

// Manifest names the files of a session directory.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// NewWriter creates <root>/<session>-<timestamp>/ and opens its sinks. The
// header is written immediately and rewritten with totals on Close.
func NewWriter(root string, header Header, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleaned := sessionIDCleaner.ReplaceAllString(header.SessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	header.SchemaVersion = HeaderSchemaVersion
	header.StartedAt = created
	header.FilePointer = manifestFile
	if err := WriteHeader(filepath.Join(dir, headerFile), header); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(dir, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         dir,
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		header:      header,
	}, manifest, nil
}

// Directory returns the session directory.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Header returns the header as it will be written on Close.
func (w *Writer) Header() Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header
}

// AppendEvent writes one event line and flushes it so a crash loses at most
// the line in flight.
func (w *Writer) AppendEvent(cycle uint64, eventType string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	line, err := json.Marshal(eventRecord{
		Cycle:      cycle,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("writer closed")
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.header.Events++
	return w.eventStream.Flush()
}

// AppendFrame stages an effect batch. Frames reach the zstd stream at most
// every frameInterval, or on Flush and Close.
func (w *Writer) AppendFrame(cycle, sequence uint64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("writer closed")
	}
	w.pending = append(w.pending, frameBlob{Cycle: cycle, Sequence: sequence, CapturedAt: captured, Payload: clone})
	w.header.Frames++
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces staged frames out regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close flushes everything, rewrites the header with totals and releases
// the files. The first failure is returned.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.flushLocked())
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	w.header.EndedAt = w.now().UTC()
	keep(WriteHeader(filepath.Join(w.dir, headerFile), w.header))
	return firstErr
}

// flushLocked writes staged frames as [cycle][sequence][captured][len]payload
// records, little endian. Callers hold the mutex.
func (w *Writer) flushLocked() error {
	for _, frame := range w.pending {
		var header [frameHeaderSize]byte
		binary.LittleEndian.PutUint64(header[0:8], frame.Cycle)
		binary.LittleEndian.PutUint64(header[8:16], frame.Sequence)
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header[:]); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
