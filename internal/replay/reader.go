package replay

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Event is one decoded line of the event log.
type Event struct {
	Cycle      uint64
	CapturedAt time.Time
	Type       string
	Payload    []byte
}

// Frame is one recorded effect batch.
type Frame struct {
	Cycle      uint64
	Sequence   uint64
	CapturedAt time.Time
	Payload    json.RawMessage
}

// Session is a fully loaded session directory.
type Session struct {
	Dir      string
	Manifest Manifest
	Header   Header
	Events   []Event
	Frames   []Frame
}

// Open loads the session stored in dir.
func Open(dir string) (*Session, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory must be provided")
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	session := &Session{Dir: dir}
	if err := json.Unmarshal(data, &session.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if session.Header, err = ReadHeader(filepath.Join(dir, headerFile)); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if session.Events, err = readEvents(filepath.Join(dir, session.Manifest.EventsPath)); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	if session.Frames, err = readFrames(filepath.Join(dir, session.Manifest.FramesPath)); err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	return session, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(record.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		events = append(events, Event{Cycle: record.Cycle, CapturedAt: captured, Type: record.Type, Payload: payload})
	}
	return events, scanner.Err()
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var frames []Frame
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(dec, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, err
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[24:28]))
		if _, err := io.ReadFull(dec, payload); err != nil {
			return nil, err
		}
		frames = append(frames, Frame{
			Cycle:      binary.LittleEndian.Uint64(header[0:8]),
			Sequence:   binary.LittleEndian.Uint64(header[8:16]),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
			Payload:    payload,
		})
	}
}

// Replay calls apply for every event in recorded order and stops at the
// first error.
func (s *Session) Replay(apply func(Event) error) error {
	if s == nil {
		return fmt.Errorf("session not loaded")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, event := range s.Events {
		if err := apply(event); err != nil {
			return err
		}
	}
	return nil
}

// FramesBySequence indexes frames by batch sequence.
func (s *Session) FramesBySequence() map[uint64]Frame {
	out := make(map[uint64]Frame, len(s.Frames))
	for _, frame := range s.Frames {
		out[frame.Sequence] = frame
	}
	return out
}

// ListSessions returns the session directories under root, oldest first.
func ListSessions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		path    string
		started time.Time
	}
	var found []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		header, err := ReadHeader(filepath.Join(path, headerFile))
		if err != nil {
			continue
		}
		found = append(found, candidate{path: path, started: header.StartedAt})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].started.Equal(found[j].started) {
			return found[i].path < found[j].path
		}
		return found[i].started.Before(found[j].started)
	})
	out := make([]string, 0, len(found))
	for _, c := range found {
		out = append(out, c.path)
	}
	return out, nil
}
