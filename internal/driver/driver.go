package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/reconcile"
	"swarmview/mirror/internal/replay"
	"swarmview/mirror/internal/snapshot"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	// Applied means a snapshot was reconciled and its batch published.
	Applied Outcome = "applied"
	// FetchFailed means no snapshot arrived this cycle. State is unchanged.
	FetchFailed Outcome = "fetch_failed"
	// Undecodable means the body was not a snapshot at all.
	Undecodable Outcome = "undecodable"
	// Complete means the simulation reported that it finished.
	Complete Outcome = "complete"
	// Aborted means the reconciler rejected the pass and rolled it back.
	Aborted Outcome = "aborted"
)

// Fetcher retrieves one raw snapshot body.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Mirror is the reconciler surface the driver needs.
type Mirror interface {
	Apply(snap *snapshot.Snapshot) (reconcile.Batch, error)
	RegisterAgent(id int, pos grid.Position) (reconcile.Batch, error)
	DeregisterAgent(id int) (reconcile.Batch, error)
}

// Publisher receives every batch that changed local state.
type Publisher interface {
	Publish(batch reconcile.Batch)
}

// Recorder persists raw inputs and the batches they produced.
type Recorder interface {
	RecordEvent(cycle uint64, eventType string, payload []byte) error
	RecordBatch(cycle, sequence uint64, payload []byte) error
}

// Observer is told about every finished cycle.
type Observer interface {
	ObserveCycle(report Report)
}

// Report describes one cycle.
type Report struct {
	Cycle    uint64
	Outcome  Outcome
	Batch    reconcile.Batch
	Err      error
	Duration time.Duration
	Finished time.Time
}

// Options configures a Driver.
type Options struct {
	Fetcher        Fetcher
	Mirror         Mirror
	Publishers     []Publisher
	Recorder       Recorder
	Observers      []Observer
	Interval       time.Duration
	StopOnComplete bool
	Logger         *logging.Logger
	Clock          func() time.Time
}

// Driver owns the cadence: fetch, decode, reconcile, publish, wait. Cycles
// and spawns are serialized so recorded order matches applied order.
type Driver struct {
	mu         sync.Mutex
	fetcher    Fetcher
	mirror     Mirror
	publishers []Publisher
	recorder   Recorder
	observers  []Observer
	interval   time.Duration
	stopOnDone bool
	log        *logging.Logger
	now        func() time.Time
	monitor    *CycleMonitor

	cycle  uint64
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// DefaultInterval is used when Options.Interval is not positive.
const DefaultInterval = 300 * time.Millisecond

// New validates opts and constructs a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("driver: fetcher is required")
	}
	if opts.Mirror == nil {
		return nil, errors.New("driver: mirror is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Driver{
		fetcher:    opts.Fetcher,
		mirror:     opts.Mirror,
		publishers: opts.Publishers,
		recorder:   opts.Recorder,
		observers:  opts.Observers,
		interval:   opts.Interval,
		stopOnDone: opts.StopOnComplete,
		log:        opts.Logger.With(logging.String("component", "driver")),
		now:        opts.Clock,
		monitor:    NewCycleMonitor(),
	}, nil
}

// Cycle runs exactly one fetch-decode-reconcile step.
func (d *Driver) Cycle(ctx context.Context) (report Report) {
	d.mu.Lock()
	defer d.mu.Unlock()

	started := d.now()
	d.cycle++
	report.Cycle = d.cycle
	defer func() {
		report.Finished = d.now()
		report.Duration = report.Finished.Sub(started)
		d.monitor.Observe(report)
		for _, observer := range d.observers {
			observer.ObserveCycle(report)
		}
	}()

	//1.- Fetch the raw body; a failed fetch leaves the mirror untouched.
	raw, err := d.fetcher.Fetch(ctx)
	if err != nil {
		report.Outcome, report.Err = FetchFailed, err
		d.log.Warn("snapshot fetch failed", logging.Uint64("cycle", d.cycle), logging.Error(err))
		d.record(replay.EventFetchError, []byte(err.Error()))
		return report
	}
	//2.- Decode leniently, stopping short on completion or garbage.
	snap, err := snapshot.Decode(raw)
	switch {
	case errors.Is(err, snapshot.ErrSimulationComplete):
		report.Outcome, report.Err = Complete, err
		d.log.Info("simulation complete", logging.Uint64("cycle", d.cycle), logging.String("detail", err.Error()))
		d.record(replay.EventComplete, raw)
		return report
	case err != nil:
		report.Outcome, report.Err = Undecodable, err
		d.log.Warn("snapshot undecodable", logging.Uint64("cycle", d.cycle), logging.Error(err))
		d.record(replay.EventSnapshot, raw)
		return report
	}
	d.record(replay.EventSnapshot, raw)

	//3.- Reconcile and hand the batch to the recorder and publishers.
	batch, err := d.mirror.Apply(snap)
	if err != nil {
		report.Outcome, report.Err = Aborted, err
		d.log.Error("reconciliation aborted", logging.Uint64("cycle", d.cycle), logging.Error(err))
		return report
	}
	report.Outcome, report.Batch = Applied, batch
	d.emit(batch)
	return report
}

// Spawn registers an agent outside of the snapshot flow.
func (d *Driver) Spawn(id int, pos grid.Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch, err := d.mirror.RegisterAgent(id, pos)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(spawnRecord{ID: id, Position: &pos})
	d.record(replay.EventSpawn, payload)
	d.emit(batch)
	return nil
}

// Release deregisters an agent.
func (d *Driver) Release(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch, err := d.mirror.DeregisterAgent(id)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(spawnRecord{ID: id})
	d.record(replay.EventRelease, payload)
	d.emit(batch)
	return nil
}

// Exclusive runs fn between cycles, so nothing is fetched, applied or
// recorded while it executes.
func (d *Driver) Exclusive(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

type spawnRecord struct {
	ID       int            `json:"id"`
	Position *grid.Position `json:"position,omitempty"`
}

// DecodeSpawn parses the payload of a spawn or release event.
func DecodeSpawn(payload []byte) (int, grid.Position, error) {
	var rec spawnRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return 0, grid.Position{}, fmt.Errorf("decode spawn record: %w", err)
	}
	if rec.Position == nil {
		return rec.ID, grid.Position{}, nil
	}
	return rec.ID, *rec.Position, nil
}

func (d *Driver) emit(batch reconcile.Batch) {
	if d.recorder != nil {
		if payload, err := json.Marshal(batch); err != nil {
			d.log.Error("encode batch failed", logging.Uint64("sequence", batch.Sequence), logging.Error(err))
		} else if err := d.recorder.RecordBatch(d.cycle, batch.Sequence, payload); err != nil {
			d.log.Warn("record batch failed", logging.Uint64("sequence", batch.Sequence), logging.Error(err))
		}
	}
	for _, publisher := range d.publishers {
		publisher.Publish(batch)
	}
}

func (d *Driver) record(eventType string, payload []byte) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordEvent(d.cycle, eventType, payload); err != nil {
		d.log.Warn("record event failed", logging.String("type", eventType), logging.Error(err))
	}
}

// Run cycles until ctx is done or, with StopOnComplete, the simulation
// finishes. The interval is measured from the end of one cycle to the start
// of the next, so a slow fetch delays rather than overlaps cycles.
func (d *Driver) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		//1.- Run one cycle, then rearm the timer from its end.
		report := d.Cycle(ctx)
		if report.Outcome == Complete && d.stopOnDone {
			d.log.Info("driver stopped after completion", logging.Uint64("cycle", report.Cycle))
			return report.Err
		}
		timer.Reset(d.interval)
	}
}

// Start runs the driver in the background until Stop or ctx cancellation.
func (d *Driver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		d.runErr = d.Run(ctx)
	}()
}

// Stop cancels a started driver and waits for it to exit. It returns
// snapshot.ErrSimulationComplete when the driver ended on completion.
func (d *Driver) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	return d.runErr
}

// Done is closed once a started driver exits.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Stats returns the accumulated cycle statistics.
func (d *Driver) Stats() CycleStats {
	return d.monitor.Snapshot()
}

// Ready reports whether at least one snapshot has been applied.
func (d *Driver) Ready() bool {
	return d.monitor.Snapshot().Applied > 0
}
