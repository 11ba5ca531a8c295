// Package clock defines "now" for the scheduler and the minute-resolution bucket keys
// pending transactions are indexed under.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidTime is returned when a value is not a well-formed point in time.
var ErrInvalidTime = errors.New("invalid time")

// keyLayout renders year, month, day, hour and minute as a sortable 12-digit key.
const keyLayout = "200601021504"

// Key identifies a one-minute scheduling bucket in UTC.
type Key string

// KeyOf returns the bucket key for t, truncating seconds and below.
func KeyOf(t time.Time) (Key, error) {
	if t.IsZero() || !inKeyRange(t) {
		return "", ErrInvalidTime
	}
	return Key(t.UTC().Truncate(time.Minute).Format(keyLayout)), nil
}

// Time returns the first instant of the bucket.
func (k Key) Time() (time.Time, error) {
	t, err := time.ParseInLocation(keyLayout, string(k), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bucket key %q", ErrInvalidTime, string(k))
	}
	return t, nil
}

// Previous returns the key of the bucket exactly one minute earlier.
func (k Key) Previous() (Key, error) {
	t, err := k.Time()
	if err != nil {
		return "", err
	}
	return KeyOf(t.Add(-time.Minute))
}

func (k Key) String() string {
	return string(k)
}

// Parse reads a scheduled time from the wire. RFC 3339 (optionally with fractional
// seconds) and integer Unix milliseconds are accepted.
func Parse(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidTime
	}

	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
		t := time.UnixMilli(ms).UTC()
		if !inKeyRange(t) {
			return time.Time{}, fmt.Errorf("%w: %q is out of range", ErrInvalidTime, raw)
		}
		return t, nil
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	t = t.UTC()
	if !inKeyRange(t) {
		return time.Time{}, fmt.Errorf("%w: %q is out of range", ErrInvalidTime, raw)
	}
	return t, nil
}

// inKeyRange reports whether t renders as a 12-digit key.
func inKeyRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 1 && y <= 9999
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock supplies the current time and tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// System is the wall clock, normalised to UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Fake is a manually driven Clock. Tickers created from it fire when Advance or Set
// moves the time past their next deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock set to now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		c:      make(chan time.Time, 1),
		period: d,
		next:   f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	now := f.now.Add(d)
	f.mu.Unlock()
	f.Set(now)
}

// Set moves the clock to t and fires every ticker whose deadline has passed. A ticker
// that is not drained drops ticks, like time.Ticker.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
	for _, tk := range f.tickers {
		if tk.stopped() {
			continue
		}
		for !tk.next.After(f.now) {
			select {
			case tk.c <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.period)
		}
	}
}

type fakeTicker struct {
	c      chan time.Time
	period time.Duration
	next   time.Time

	mu   sync.Mutex
	done bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *fakeTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
