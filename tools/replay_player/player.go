package replayplayer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"swarmview/mirror/internal/driver"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/reconcile"
	"swarmview/mirror/internal/replay"
	"swarmview/mirror/internal/snapshot"
)

// Mismatch describes one batch whose regenerated effects differ from the
// recorded ones.
type Mismatch struct {
	Sequence    uint64 `json:"sequence"`
	Reason      string `json:"reason"`
	Recorded    string `json:"recorded,omitempty"`
	Regenerated string `json:"regenerated,omitempty"`
}

// Result summarises a re-run of one session.
type Result struct {
	SessionID  string     `json:"session_id"`
	Events     int        `json:"events"`
	Snapshots  int        `json:"snapshots"`
	Skipped    int        `json:"skipped"`
	Aborted    int        `json:"aborted"`
	Batches    int        `json:"batches"`
	Matched    int        `json:"matched"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// OK reports whether every regenerated batch matched its recording.
func (r Result) OK() bool { return len(r.Mismatches) == 0 }

// Rerun feeds the recorded inputs of the session in dir through a fresh
// reconciler and compares every batch with the recorded frame of the same
// sequence. Entity handles are ignored in the comparison.
func Rerun(dir string, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.L()
	}
	session, err := replay.Open(dir)
	if err != nil {
		return Result{}, err
	}
	mirror := reconcile.New(reconcile.Options{
		CarryOffset: reconcile.Offset(session.Header.CarryOffset),
		Height:      session.Header.FoodHeight,
		Logger:      logger,
	})
	recorded := session.FramesBySequence()
	seen := make(map[uint64]bool, len(recorded))
	result := Result{SessionID: session.Header.SessionID}

	compare := func(batch reconcile.Batch) error {
		result.Batches++
		seen[batch.Sequence] = true
		frame, ok := recorded[batch.Sequence]
		if !ok {
			result.Mismatches = append(result.Mismatches, Mismatch{Sequence: batch.Sequence, Reason: "no recorded frame"})
			return nil
		}
		var original reconcile.Batch
		if err := json.Unmarshal(frame.Payload, &original); err != nil {
			return fmt.Errorf("decode frame %d: %w", batch.Sequence, err)
		}
		want, err := canonical(original)
		if err != nil {
			return err
		}
		got, err := canonical(batch)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			result.Mismatches = append(result.Mismatches, Mismatch{
				Sequence:    batch.Sequence,
				Reason:      "effects differ",
				Recorded:    string(want),
				Regenerated: string(got),
			})
			return nil
		}
		result.Matched++
		return nil
	}

	//1.- Feed recorded inputs in order, comparing every regenerated batch.
	err = session.Replay(func(event replay.Event) error {
		result.Events++
		switch event.Type {
		case replay.EventBootstrap:
			var boot reconcile.Batch
			if err := json.Unmarshal(event.Payload, &boot); err != nil {
				return fmt.Errorf("decode bootstrap: %w", err)
			}
			return mirror.Restore(boot)
		case replay.EventSnapshot:
			result.Snapshots++
			snap, err := snapshot.Decode(event.Payload)
			if err != nil {
				result.Skipped++
				return nil
			}
			batch, err := mirror.Apply(snap)
			if errors.Is(err, reconcile.ErrInvariant) {
				result.Aborted++
				return nil
			}
			if err != nil {
				return err
			}
			return compare(batch)
		case replay.EventSpawn:
			id, pos, err := driver.DecodeSpawn(event.Payload)
			if err != nil {
				return err
			}
			batch, err := mirror.RegisterAgent(id, pos)
			if err != nil {
				return fmt.Errorf("spawn agent %d: %w", id, err)
			}
			return compare(batch)
		case replay.EventRelease:
			id, _, err := driver.DecodeSpawn(event.Payload)
			if err != nil {
				return err
			}
			batch, err := mirror.DeregisterAgent(id)
			if err != nil {
				return fmt.Errorf("release agent %d: %w", id, err)
			}
			return compare(batch)
		default:
			return nil
		}
	})
	if err != nil {
		return result, err
	}

	//2.- Frames nothing regenerated are divergences too.
	var orphans []uint64
	for sequence := range recorded {
		if !seen[sequence] {
			orphans = append(orphans, sequence)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, sequence := range orphans {
		result.Mismatches = append(result.Mismatches, Mismatch{Sequence: sequence, Reason: "recorded frame was not regenerated"})
	}
	return result, nil
}

// canonical renders a batch with handles zeroed, in wire form.
func canonical(batch reconcile.Batch) ([]byte, error) {
	effects := make([]reconcile.Effect, len(batch.Effects))
	for i, effect := range batch.Effects {
		effect.Handle = 0
		effect.Item = 0
		effects[i] = effect
	}
	return json.Marshal(reconcile.Batch{Sequence: batch.Sequence, Effects: effects, Diagnostics: batch.Diagnostics})
}
