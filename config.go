package persistit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config resolves the configuration surface of §6: journal block size,
// per-page-size buffer counts or memory ranges, append-only mode,
// checkpoint interval, and per-worker poll intervals. It is built with
// functional options the same way the teacher's NewValuesStoreOpts /
// valuelocmap.resolveConfig resolve from environment variables with
// explicit-option override; invalid values fail fast with a descriptive
// message before any file is opened, per §6's "Error escape" rule.
type Config struct {
	JournalSize       int64
	BufferCounts      map[int]int           // page size -> explicit buffer count
	BufferMemory      map[int]MemorySpec    // page size -> memory range spec
	AppendOnly        bool
	CheckpointInterval time.Duration
	PollIntervals     map[string]time.Duration
	Logger            *zap.Logger
}

// MemorySpec is the `min,max,reserved,fraction` buffer.memory.<size>
// option: keep at least Min bytes, never exceed Max, reserve Reserved
// bytes of heap for the rest of the process, and never claim more than
// Fraction (0.0-1.0) of available heap.
type MemorySpec struct {
	Min      int64
	Max      int64
	Reserved int64
	Fraction float64
}

const envPrefix = "PERSISTIT_"

// DefaultConfig returns the engine defaults, the same shape as the
// teacher's NewValuesStoreOpts: read overridable environment variables
// first, then apply floor defaults for anything unset.
func DefaultConfig() (*Config, error) {
	cfg := &Config{
		BufferCounts:       map[int]int{},
		BufferMemory:       map[int]MemorySpec{},
		PollIntervals:      map[string]time.Duration{},
		CheckpointInterval: 30 * time.Second,
		Logger:             newNopLogger(),
	}
	if v := os.Getenv(envPrefix + "JOURNALSIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("persistit: invalid %sJOURNALSIZE %q: %w", envPrefix, v, err)
		}
		cfg.JournalSize = n
	}
	if cfg.JournalSize <= 0 {
		cfg.JournalSize = 100 * 1024 * 1024
	}
	if v := os.Getenv(envPrefix + "APPENDONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("persistit: invalid %sAPPENDONLY %q: %w", envPrefix, v, err)
		}
		cfg.AppendOnly = b
	}
	return cfg, nil
}

// Option mutates a Config; applied in order after DefaultConfig so callers
// can override environment-derived values explicitly.
type Option func(*Config) error

// OptJournalSize sets the journal block size in bytes.
func OptJournalSize(n int64) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("persistit: journal size must be positive, got %d", n)
		}
		c.JournalSize = n
		return nil
	}
}

// OptBufferCount sets an explicit buffer count for the given page size
// class (buffer.count.<size>).
func OptBufferCount(pageSize, count int) Option {
	return func(c *Config) error {
		if err := validatePageSize(pageSize); err != nil {
			return err
		}
		if count <= 0 {
			return fmt.Errorf("persistit: buffer count must be positive, got %d", count)
		}
		c.BufferCounts[pageSize] = count
		return nil
	}
}

// OptBufferMemory sets a memory-range spec for the given page size class
// (buffer.memory.<size> = min,max,reserved,fraction).
func OptBufferMemory(pageSize int, spec MemorySpec) Option {
	return func(c *Config) error {
		if err := validatePageSize(pageSize); err != nil {
			return err
		}
		if spec.Min < 0 || spec.Max < spec.Min {
			return fmt.Errorf("persistit: invalid buffer memory range min=%d max=%d", spec.Min, spec.Max)
		}
		if spec.Fraction < 0 || spec.Fraction > 1.0 {
			return fmt.Errorf("persistit: buffer memory fraction must be in [0,1], got %f", spec.Fraction)
		}
		c.BufferMemory[pageSize] = spec
		return nil
	}
}

// ParseBufferMemory parses the "min,max,reserved,fraction" wire form of
// buffer.memory.<size>.
func ParseBufferMemory(s string) (MemorySpec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return MemorySpec{}, fmt.Errorf("persistit: buffer memory spec must have 4 comma-separated fields, got %q", s)
	}
	var vals [3]int64
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil {
			return MemorySpec{}, fmt.Errorf("persistit: invalid buffer memory field %q: %w", parts[i], err)
		}
		vals[i] = n
	}
	frac, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return MemorySpec{}, fmt.Errorf("persistit: invalid buffer memory fraction %q: %w", parts[3], err)
	}
	return MemorySpec{Min: vals[0], Max: vals[1], Reserved: vals[2], Fraction: frac}, nil
}

// OptAppendOnly suppresses copy-back, for taking a consistent backup
// snapshot of the journal without mutating volume files.
func OptAppendOnly(v bool) Option {
	return func(c *Config) error { c.AppendOnly = v; return nil }
}

// OptCheckpointInterval sets the checkpointer's cadence.
func OptCheckpointInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("persistit: checkpoint interval must be positive, got %v", d)
		}
		c.CheckpointInterval = d
		return nil
	}
}

// OptPollInterval sets a named background worker's poll interval (e.g.
// "checkpointer", "copier", "cleanup").
func OptPollInterval(worker string, d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("persistit: poll interval for %s must be positive, got %v", worker, d)
		}
		c.PollIntervals[worker] = d
		return nil
	}
}

// OptLogger installs a structured logger; defaults to a no-op logger.
func OptLogger(l *zap.Logger) Option {
	return func(c *Config) error {
		if l == nil {
			return fmt.Errorf("persistit: logger must not be nil")
		}
		c.Logger = l
		return nil
	}
}

// Resolve builds a Config from defaults, environment variables, and the
// given options, in that precedence order, failing before any file is
// touched if any value is invalid (§6 "Error escape").
func Resolve(opts ...Option) (*Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func validatePageSize(pageSize int) error {
	switch pageSize {
	case 1024, 2048, 4096, 8192, 16384:
		return nil
	default:
		return fmt.Errorf("persistit: invalid page size %d (must be one of 1024,2048,4096,8192,16384)", pageSize)
	}
}

func (w *worker) interval(cfg *Config, name string, fallback time.Duration) time.Duration {
	if d, ok := cfg.PollIntervals[name]; ok {
		return d
	}
	return fallback
}

// worker is the shared shape for every background task (checkpointer,
// copier, and the cleanup manager, which also refreshes the
// active-transaction cache): it owns a
// cancellation token and exposes a one-shot trigger alongside its poll
// interval so tests can drive it deterministically without sleeping.
// Grounded on §9's design note replacing internal-timer-driven workers
// with independently owned cancellation tokens.
type worker struct {
	name    string
	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
}

func newWorker(name string) *worker {
	return &worker{
		name:    name,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Trigger requests an out-of-band run on the next poll, without waiting
// for the full interval to elapse.
func (w *worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop requests shutdown; Stop blocks until the worker goroutine has
// drained its current iteration and exited.
func (w *worker) Stop() {
	close(w.stop)
	<-w.done
}
