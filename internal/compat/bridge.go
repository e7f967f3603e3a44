// Package compat degrades writes to the legacy time_logs shape.
package compat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/database"
)

// Payload kinds understood by Filter.
const (
	KindTimeLog = "time_log"
)

// Payload is a column-keyed write.
type Payload map[string]any

// WriteFunc applies a payload to storage.
type WriteFunc func(ctx context.Context, payload Payload) error

// Bridge holds the process-wide legacy flag. Once set it never reverts.
type Bridge struct {
	legacy atomic.Bool
	once   sync.Once
	// columns stripped from KindTimeLog payloads in legacy mode
	legacyOnly map[string]bool
}

func NewBridge() *Bridge {
	strip := make(map[string]bool, len(database.ModernOnlyColumns))
	for _, c := range database.ModernOnlyColumns {
		strip[c] = true
	}
	return &Bridge{legacyOnly: strip}
}

// Legacy reports whether the legacy shape is in effect.
func (b *Bridge) Legacy() bool {
	return b.legacy.Load()
}

// MarkLegacy switches the bridge to legacy mode.
func (b *Bridge) MarkLegacy(reason string) {
	b.legacy.Store(true)
	b.once.Do(func() {
		slog.Warn("legacy schema mode enabled", "reason", reason)
	})
}

// Detect marks legacy mode when storage reports the legacy table shape.
func (b *Bridge) Detect(schema database.Schema) bool {
	if schema == database.SchemaLegacy {
		b.MarkLegacy("legacy time_logs shape detected")
	}
	return b.Legacy()
}

// Filter returns payload without the fields the legacy shape lacks. In
// modern mode, or for unknown kinds, the payload is returned unchanged.
func (b *Bridge) Filter(kind string, payload Payload) Payload {
	if !b.Legacy() || kind != KindTimeLog {
		return payload
	}
	out := make(Payload, len(payload))
	for k, v := range payload {
		if !b.legacyOnly[k] {
			out[k] = v
		}
	}
	return out
}

// Write filters payload and applies it. If storage rejects a modern field
// the bridge flips to legacy mode and retries once with the filtered payload.
func (b *Bridge) Write(ctx context.Context, kind string, payload Payload, fn WriteFunc) error {
	err := fn(ctx, b.Filter(kind, payload))
	if err == nil || b.Legacy() || !apperr.Is(err, apperr.CodeSchemaUnsupported) {
		return err
	}
	if !b.hasLegacyOnly(kind, payload) {
		return err
	}

	b.MarkLegacy(err.Error())
	return fn(ctx, b.Filter(kind, payload))
}

func (b *Bridge) hasLegacyOnly(kind string, payload Payload) bool {
	if kind != KindTimeLog {
		return false
	}
	for k := range payload {
		if b.legacyOnly[k] {
			return true
		}
	}
	return false
}
