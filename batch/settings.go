package batch

import (
	"context"
	"time"

	keyrouter "github.com/ineyio/keyrouter"
)

// Settings controls batching for one tenant.
type Settings struct {
	Enabled      bool
	WaitTime     time.Duration
	MaxBatchSize int
}

// DefaultSettings returns batching enabled with the default wait and size.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		WaitTime:     keyrouter.DefaultBatchWait,
		MaxBatchSize: keyrouter.DefaultBatchSize,
	}
}

// Normalize fills unset values with defaults and clamps WaitTime to
// [MinBatchWait, MaxBatchWait].
func (s Settings) Normalize() Settings {
	switch {
	case s.WaitTime <= 0:
		s.WaitTime = keyrouter.DefaultBatchWait
	case s.WaitTime < keyrouter.MinBatchWait:
		s.WaitTime = keyrouter.MinBatchWait
	case s.WaitTime > keyrouter.MaxBatchWait:
		s.WaitTime = keyrouter.MaxBatchWait
	}
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = keyrouter.DefaultBatchSize
	}
	return s
}

// FromConfig converts a batching config block, filling unset fields from
// the package defaults.
func FromConfig(c keyrouter.BatchingConfig) Settings {
	s := Settings{Enabled: true, WaitTime: c.WaitTime, MaxBatchSize: c.MaxBatchSize}
	if c.Enabled != nil {
		s.Enabled = *c.Enabled
	}
	return s.Normalize()
}

// SettingsSource supplies the current settings of a tenant.
type SettingsSource interface {
	BatchSettings(ctx context.Context, tenantID string) Settings
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func(ctx context.Context, tenantID string) Settings

func (f SettingsFunc) BatchSettings(ctx context.Context, tenantID string) Settings {
	return f(ctx, tenantID)
}

// Static returns a SettingsSource that always yields s.
func Static(s Settings) SettingsSource {
	s = s.Normalize()
	return SettingsFunc(func(context.Context, string) Settings { return s })
}
