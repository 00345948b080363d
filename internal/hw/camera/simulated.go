package camera

import (
	"context"
	"sync"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// Simulated logs shots without any hardware.
type Simulated struct {
	mu    sync.Mutex
	shots []string
}

// NewSimulated creates a simulated camera.
func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) Shoot(ctx context.Context, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.shots = append(s.shots, dest)
	s.mu.Unlock()
	debug.Live("Simulator: photo %s", dest)
	return nil
}

// Shots returns the destinations seen so far.
func (s *Simulated) Shots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shots...)
}
