package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is one link of the transfer audit chain.
type LogEntry struct {
	Sequence     int    `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Option configures a ChainLogger.
type Option func(*ChainLogger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *ChainLogger) { c.now = now }
}

// WithSink forwards every appended entry, e.g. to a structured logger.
func WithSink(sink func(*LogEntry)) Option {
	return func(c *ChainLogger) { c.sink = sink }
}

// ChainLogger keeps a tamper-evident, hash-chained record of status transitions.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
	now          func() time.Time
	sink         func(*LogEntry)
}

// NewChainLogger creates a ChainLogger whose first entry links to a zero hash.
func NewChainLogger(opts ...Option) *ChainLogger {
	c := &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds a new entry to the chain and returns it.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	entry := &LogEntry{
		Sequence:     len(c.entries) + 1,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = hashEntry(entry.PreviousHash, entry)
	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		cp := *entry
		sink(&cp)
	}
	return entry
}

// Entries returns copies of every entry in append order.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LogEntry, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Len returns the number of entries appended so far.
func (c *ChainLogger) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Verify checks the logger's own chain.
func (c *ChainLogger) Verify() bool {
	return VerifyChain(c.Entries())
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if hashEntry(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

func hashEntry(prevHash string, e *LogEntry) string {
	input := fmt.Sprintf("%s|%d|%s|%s", prevHash, e.Sequence, e.Timestamp, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
