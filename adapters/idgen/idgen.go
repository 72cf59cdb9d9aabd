// Package idgen generates the values written to empty uuid fields.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/artpar/tablegate/ports"
	"github.com/google/uuid"
)

// UUID generates random UUIDs. Set V7 for time-ordered ids, which keep
// btree primary keys append-mostly.
type UUID struct {
	V7 bool
}

// New returns a v4 UUID, or a v7 one when configured. A v7 failure falls
// back to v4 so callers never see an empty id.
func (g UUID) New() string {
	if g.V7 {
		if id, err := uuid.NewV7(); err == nil {
			return id.String()
		}
	}
	return uuid.New().String()
}

var _ ports.IDGenerator = UUID{}

// ByVersion returns a generator for "v4" (or "") and "v7".
func ByVersion(version string) (UUID, error) {
	switch version {
	case "", "v4", "4":
		return UUID{}, nil
	case "v7", "7":
		return UUID{V7: true}, nil
	}
	return UUID{}, fmt.Errorf("unsupported uuid version %q", version)
}

// Sequential returns predictable ids that still parse as UUIDs:
// 00000000-0000-4000-8000-000000000001, ...002 and so on.
type Sequential struct {
	counter atomic.Uint64
}

func NewSequential() *Sequential {
	return &Sequential{}
}

func (s *Sequential) New() string {
	n := s.counter.Add(1)
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

// Reset starts the sequence over.
func (s *Sequential) Reset() {
	s.counter.Store(0)
}

var _ ports.IDGenerator = (*Sequential)(nil)
