package grid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedPosition is returned when a position is not a pair of integers.
var ErrMalformedPosition = errors.New("position must be a two-component integer array")

// Position is a discrete grid cell. Equality is exact integer equality, which
// makes Position usable directly as a map key.
type Position struct {
	X int
	Y int
}

// At is shorthand for Position{X: x, Y: y}.
func At(x, y int) Position { return Position{X: x, Y: y} }

func (p Position) String() string {
	return "(" + strconv.Itoa(p.X) + "," + strconv.Itoa(p.Y) + ")"
}

// MarshalJSON encodes the position as the [x, y] pair used on the wire.
func (p Position) MarshalJSON() ([]byte, error) {
	return []byte("[" + strconv.Itoa(p.X) + "," + strconv.Itoa(p.Y) + "]"), nil
}

// UnmarshalJSON accepts exactly two integral JSON numbers.
func (p *Position) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw []json.Number
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPosition, err)
	}
	if raw == nil || len(raw) != 2 {
		return ErrMalformedPosition
	}
	x, err := integral(raw[0])
	if err != nil {
		return err
	}
	y, err := integral(raw[1])
	if err != nil {
		return err
	}
	p.X, p.Y = x, y
	return nil
}

func integral(n json.Number) (int, error) {
	v, ok := Integral(n)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedPosition, n.String())
	}
	return v, nil
}

// Integral converts a JSON number to an int, accepting integral floats such
// as 3.0 that some producers emit for integer fields.
func Integral(n json.Number) (int, bool) {
	if v, err := strconv.Atoi(n.String()); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
