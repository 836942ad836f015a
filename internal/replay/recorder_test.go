package replay

import (
	"path/filepath"
	"testing"
	"time"

	"swarmview/mirror/internal/logging"
)

func TestRecorderStartsEverySessionWithBootstrap(t *testing.T) {
	dir := t.TempDir()
	current := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	seq := uint64(0)
	bootstrap := func() (uint64, []byte, error) {
		return seq, []byte(`{"bootstrap":true}`), nil
	}

	recorder, err := NewRecorder(dir, Header{SourceURL: "http://sim", CarryOffset: [3]float64{0, 0.8, -0.5}}, bootstrap, clock, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := recorder.RecordEvent(1, EventSnapshot, []byte(`{}`)); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := recorder.RecordBatch(1, 1, []byte(`{"sequence":1}`)); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	first := recorder.Stats()
	if first.Events != 2 || first.Frames != 1 || first.SessionID == "" {
		t.Fatalf("unexpected stats %+v", first)
	}

	current = current.Add(time.Minute)
	seq = 1
	closed, err := recorder.Roll()
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}
	if closed != first.Directory {
		t.Fatalf("expected roll to close %q, got %q", first.Directory, closed)
	}
	second := recorder.Stats()
	if second.SessionID == first.SessionID || second.Rolls != 1 || second.Events != 1 {
		t.Fatalf("unexpected stats after roll %+v", second)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := recorder.RecordEvent(2, EventSnapshot, nil); err == nil {
		t.Fatalf("expected recording after close to fail")
	}

	sessions, err := ListSessions(dir)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || filepath.Clean(sessions[0]) != filepath.Clean(first.Directory) {
		t.Fatalf("unexpected sessions %v", sessions)
	}
	for _, path := range sessions {
		session, err := Open(path)
		if err != nil {
			t.Fatalf("Open(%s): %v", path, err)
		}
		if len(session.Events) == 0 || session.Events[0].Type != EventBootstrap {
			t.Fatalf("expected %s to start with a bootstrap event, got %+v", path, session.Events)
		}
		if session.Header.CarryOffset != [3]float64{0, 0.8, -0.5} {
			t.Fatalf("expected carry offset in header, got %v", session.Header.CarryOffset)
		}
	}
}
