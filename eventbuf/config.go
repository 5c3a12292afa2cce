package eventbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrDisabled is returned by Add while the buffer is disabled.
	ErrDisabled = errors.New("event buffer is disabled")

	// ErrInvalidConfig is returned when a config or patch carries a non-positive bound. The update is not applied.
	ErrInvalidConfig = errors.New("invalid event buffer config")
)

// Chunk files older than this are deleted by the background cleanup pass.
const RetentionHorizon = 24 * time.Hour

type Config struct {
	Enabled        bool
	MaxMemoryItems int
	StorageDir     string

	// Advisory only; validated but not used to split chunks.
	MaxFileSizeBytes int64

	CleanupInterval    time.Duration
	CompressionEnabled bool

	Logger *slog.Logger
	Clock  func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxMemoryItems:     1000,
		StorageDir:         "./data/buffer",
		MaxFileSizeBytes:   10 << 20,
		CleanupInterval:    time.Hour,
		CompressionEnabled: true,
	}
}

// ConfigPatch lists the fields to override on a running buffer. Nil fields are left as they are.
type ConfigPatch struct {
	Enabled            *bool
	MaxMemoryItems     *int
	StorageDir         *string
	MaxFileSizeBytes   *int64
	CleanupInterval    *time.Duration
	CompressionEnabled *bool
}

func (c Config) apply(p ConfigPatch) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.MaxMemoryItems != nil {
		c.MaxMemoryItems = *p.MaxMemoryItems
	}
	if p.StorageDir != nil {
		c.StorageDir = *p.StorageDir
	}
	if p.MaxFileSizeBytes != nil {
		c.MaxFileSizeBytes = *p.MaxFileSizeBytes
	}
	if p.CleanupInterval != nil {
		c.CleanupInterval = *p.CleanupInterval
	}
	if p.CompressionEnabled != nil {
		c.CompressionEnabled = *p.CompressionEnabled
	}
	return c
}

func (c Config) validate() error {
	if c.MaxMemoryItems <= 0 {
		return fmt.Errorf("%w: MaxMemoryItems must be positive, got %d", ErrInvalidConfig, c.MaxMemoryItems)
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("%w: MaxFileSizeBytes must be positive, got %d", ErrInvalidConfig, c.MaxFileSizeBytes)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: CleanupInterval must be positive, got %s", ErrInvalidConfig, c.CleanupInterval)
	}
	if c.StorageDir == "" {
		return fmt.Errorf("%w: StorageDir must be set", ErrInvalidConfig)
	}
	return nil
}
