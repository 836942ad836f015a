package replay

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmview/mirror/internal/logging"
)

// BootstrapFunc describes the current world so a new session can start from
// it. It returns the sequence the description belongs to and its encoding.
type BootstrapFunc func() (sequence uint64, payload []byte, err error)

// Stats summarises recorder state for ops endpoints.
type Stats struct {
	SessionID    string    `json:"session_id"`
	Directory    string    `json:"directory"`
	Events       int       `json:"events"`
	Frames       int       `json:"frames"`
	Rolls        int64     `json:"rolls"`
	LastRollDir  string    `json:"last_roll_dir,omitempty"`
	LastRollTime time.Time `json:"last_roll_time,omitempty"`
}

// Recorder keeps one session open at a time. Every session starts with a
// bootstrap event so it can be re-run without its predecessors.
type Recorder struct {
	mu        sync.Mutex
	root      string
	template  Header
	bootstrap BootstrapFunc
	now       func() time.Time
	log       *logging.Logger

	writer   *Writer
	rolls    int64
	lastRoll time.Time
	lastDir  string
}

// NewRecorder opens the first session under root. template supplies the
// session-independent header fields.
func NewRecorder(root string, template Header, bootstrap BootstrapFunc, clock func() time.Time, logger *logging.Logger) (*Recorder, error) {
	if root == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	if bootstrap == nil {
		return nil, fmt.Errorf("bootstrap source must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	r := &Recorder{
		root:      root,
		template:  template,
		bootstrap: bootstrap,
		now:       clock,
		log:       logger.With(logging.String("component", "replay")),
	}
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) openLocked() error {
	header := r.template
	header.SessionID = uuid.NewString()
	writer, _, err := NewWriter(r.root, header, r.now)
	if err != nil {
		return err
	}
	_, payload, err := r.bootstrap()
	if err == nil {
		err = writer.AppendEvent(0, EventBootstrap, payload)
	}
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("record bootstrap: %w", err)
	}
	r.writer = writer
	r.log.Info("replay session opened", logging.String("session_id", header.SessionID), logging.String("directory", writer.Directory()))
	return nil
}

// RecordEvent appends a raw input to the active session.
func (r *Recorder) RecordEvent(cycle uint64, eventType string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return errors.New("recorder closed")
	}
	return r.writer.AppendEvent(cycle, eventType, payload)
}

// RecordBatch appends an encoded effect batch to the active session.
func (r *Recorder) RecordBatch(cycle, sequence uint64, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return errors.New("recorder closed")
	}
	return r.writer.AppendFrame(cycle, sequence, payload)
}

// Roll closes the active session, opens a fresh one and returns the
// directory of the session that was closed.
func (r *Recorder) Roll() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return "", errors.New("recorder closed")
	}
	//1.- Close the active session; a failed close still rolls.
	closed := r.writer.Directory()
	if err := r.writer.Close(); err != nil {
		r.log.Warn("replay session close failed", logging.Error(err), logging.String("directory", closed))
	}
	//2.- Open the successor, which starts with a fresh bootstrap event.
	r.writer = nil
	if err := r.openLocked(); err != nil {
		return closed, err
	}
	r.rolls++
	r.lastRoll = r.now().UTC()
	r.lastDir = closed
	return closed, nil
}

// Close finishes the active session.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	return err
}

// Stats copies the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Rolls: r.rolls, LastRollDir: r.lastDir, LastRollTime: r.lastRoll}
	if r.writer != nil {
		header := r.writer.Header()
		stats.SessionID = header.SessionID
		stats.Directory = r.writer.Directory()
		stats.Events = header.Events
		stats.Frames = header.Frames
	}
	return stats
}
