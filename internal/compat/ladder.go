package compat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/charlie0129/timelog-core/internal/apperr"
)

// Strategy is one way of performing a write.
type Strategy struct {
	Name string
	// Legacy strategies only work against the legacy shape; succeeding with
	// one switches the bridge to legacy mode.
	Legacy bool
	Apply  WriteFunc
}

// Ladder tries strategies in order and remembers the first one that storage
// accepts, so later calls start there.
type Ladder struct {
	name       string
	bridge     *Bridge
	strategies []Strategy

	mu       sync.Mutex
	selected int
}

func NewLadder(name string, bridge *Bridge, strategies ...Strategy) *Ladder {
	return &Ladder{name: name, bridge: bridge, strategies: strategies}
}

// Selected returns the name of the remembered strategy.
func (l *Ladder) Selected() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.strategies) == 0 {
		return ""
	}
	return l.strategies[l.selected].Name
}

func (l *Ladder) start() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected > 0 || !l.bridge.Legacy() {
		return l.selected
	}
	// legacy mode already known: skip the modern strategies
	for i, s := range l.strategies {
		if s.Legacy {
			return i
		}
	}
	return l.selected
}

// Run applies payload with the first accepted strategy and returns its name.
// Unsupported strategies are skipped; a privilege failure stops the ladder.
func (l *Ladder) Run(ctx context.Context, payload Payload) (string, error) {
	var lastErr error
	for i := l.start(); i < len(l.strategies); i++ {
		s := l.strategies[i]
		if err := ctx.Err(); err != nil {
			return "", err
		}

		err := s.Apply(ctx, payload)
		if err == nil {
			l.remember(i)
			if s.Legacy {
				l.bridge.MarkLegacy(l.name + ": " + s.Name)
			}
			return s.Name, nil
		}

		slog.Debug("write strategy failed", "ladder", l.name, "strategy", s.Name, "error", err)
		switch {
		case apperr.Is(err, apperr.CodeInsufficientPrivilege):
			return "", err
		case apperr.Is(err, apperr.CodeSchemaUnsupported):
			lastErr = err
			continue
		default:
			return "", err
		}
	}
	return "", apperr.Wrap(apperr.CodeSchemaUnsupported, l.name+": no write strategy accepted", lastErr)
}

func (l *Ladder) remember(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i != l.selected {
		slog.Info("write strategy selected", "ladder", l.name, "strategy", l.strategies[i].Name)
		l.selected = i
	}
}
