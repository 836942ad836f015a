package grid

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPositionJSONPair(t *testing.T) {
	var pos Position
	if err := json.Unmarshal([]byte(`[4, -2]`), &pos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pos != At(4, -2) {
		t.Fatalf("unexpected position %v", pos)
	}
	encoded, err := json.Marshal(pos)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != "[4,-2]" {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestPositionAcceptsIntegralFloats(t *testing.T) {
	var pos Position
	if err := json.Unmarshal([]byte(`[3.0, 7]`), &pos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pos != At(3, 7) {
		t.Fatalf("unexpected position %v", pos)
	}
}

func TestPositionRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{`[1]`, `[1,2,3]`, `[1.5,2]`, `"1,2"`, `null`, `{"x":1}`} {
		var pos Position
		err := json.Unmarshal([]byte(raw), &pos)
		if !errors.Is(err, ErrMalformedPosition) {
			t.Fatalf("%s: expected ErrMalformedPosition, got %v", raw, err)
		}
	}
}

func TestPositionAsMapKey(t *testing.T) {
	set := map[Position]int{}
	set[At(1, 1)]++
	set[Position{X: 1, Y: 1}]++
	if len(set) != 1 || set[At(1, 1)] != 2 {
		t.Fatalf("expected equal positions to share a key, got %v", set)
	}
}
