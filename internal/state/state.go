// Package state tracks when each alert key last fired.
package state

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pivotwatch/internal/pivot"
)

// DefaultPrecision is the number of decimals prices are bucketed to. At one
// decimal a level oscillating within 0.05 of itself lands in one bucket.
const DefaultPrecision = 1

type key struct {
	symbol string
	level  pivot.LevelName
	bucket string
}

// Tracker is a per-key cooldown. Keys are independent: a different level, or
// the same level in another price bucket, is a fresh event.
type Tracker struct {
	mu        sync.Mutex
	lastAlert map[key]time.Time
	cooldown  time.Duration
	precision int32
}

func NewTracker(cooldown time.Duration, precision int32) *Tracker {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return &Tracker{
		lastAlert: make(map[key]time.Time),
		cooldown:  cooldown,
		precision: precision,
	}
}

func (t *Tracker) Cooldown() time.Duration { return t.cooldown }

func (t *Tracker) key(symbol string, level pivot.LevelName, price float64) key {
	return key{
		symbol: strings.ToUpper(symbol),
		level:  level,
		bucket: Bucket(price, t.precision),
	}
}

// Bucket rounds price to precision decimals and renders it canonically, so
// 150 and 150.004 share a bucket.
func Bucket(price float64, precision int32) string {
	return decimal.NewFromFloat(price).Round(precision).String()
}

// ShouldEmit reports whether an alert for (symbol, level, price) may fire at
// now, and records now as the emission time when it may.
func (t *Tracker) ShouldEmit(symbol string, level pivot.LevelName, price float64, now time.Time) bool {
	k := t.key(symbol, level, price)
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastAlert[k]
	if !ok || now.Sub(last) >= t.cooldown {
		t.lastAlert[k] = now
		return true
	}
	return false
}

// Prune drops records whose window has elapsed and returns how many went.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, last := range t.lastAlert {
		if now.Sub(last) >= t.cooldown {
			delete(t.lastAlert, k)
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastAlert)
}
