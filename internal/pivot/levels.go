// Package pivot derives floor-trader reference levels from one session's high, low and close.
package pivot

import (
	"fmt"
	"strings"
)

type LevelName string

const (
	R3    LevelName = "R3"
	R2    LevelName = "R2"
	R1    LevelName = "R1"
	Pivot LevelName = "Pivot"
	S1    LevelName = "S1"
	S2    LevelName = "S2"
	S3    LevelName = "S3"
)

// Order is the canonical display order. It is also the tie-break priority
// when two levels sit at the same distance from a price.
var Order = [...]LevelName{R3, R2, R1, Pivot, S1, S2, S3}

func (n LevelName) IsResistance() bool { return strings.HasPrefix(string(n), "R") }
func (n LevelName) IsSupport() bool    { return strings.HasPrefix(string(n), "S") }

// Formula selects how the outer levels are derived.
type Formula string

const (
	// Classic: R3 = H + 2(P-L), S3 = L - 2(H-P).
	Classic Formula = "classic"
	// Additive: R3 = R2 + (H-L), S3 = S2 - (H-L).
	Additive Formula = "additive"
)

func ParseFormula(s string) (Formula, error) {
	switch Formula(strings.ToLower(strings.TrimSpace(s))) {
	case "", Classic:
		return Classic, nil
	case Additive:
		return Additive, nil
	}
	return "", fmt.Errorf("unknown pivot formula %q", s)
}

// Session is the high/low/close triple a level set is derived from.
type Session struct {
	High  float64
	Low   float64
	Close float64
}

// Levels is an immutable set of seven reference prices.
type Levels struct {
	Pivot float64 `json:"pivot"`
	R1    float64 `json:"r1"`
	R2    float64 `json:"r2"`
	R3    float64 `json:"r3"`
	S1    float64 `json:"s1"`
	S2    float64 `json:"s2"`
	S3    float64 `json:"s3"`
}

// Value returns the price of the named level.
func (l Levels) Value(name LevelName) (float64, bool) {
	switch name {
	case Pivot:
		return l.Pivot, true
	case R1:
		return l.R1, true
	case R2:
		return l.R2, true
	case R3:
		return l.R3, true
	case S1:
		return l.S1, true
	case S2:
		return l.S2, true
	case S3:
		return l.S3, true
	}
	return 0, false
}

// Each calls fn for every level in canonical order.
func (l Levels) Each(fn func(name LevelName, value float64)) {
	for _, name := range Order {
		v, _ := l.Value(name)
		fn(name, v)
	}
}

// Compute derives the level set for a session. It is pure and total over
// finite inputs; callers validate High >= Low.
func Compute(s Session, f Formula) Levels {
	p := (s.High + s.Low + s.Close) / 3
	rng := s.High - s.Low

	l := Levels{
		Pivot: p,
		R1:    2*p - s.Low,
		S1:    2*p - s.High,
		R2:    p + rng,
		S2:    p - rng,
	}
	switch f {
	case Additive:
		l.R3 = l.R2 + rng
		l.S3 = l.S2 - rng
	default:
		l.R3 = s.High + 2*(p-s.Low)
		l.S3 = s.Low - 2*(s.High-p)
	}
	return l
}
