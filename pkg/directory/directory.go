package directory

import (
	"context"
	"errors"
	"fmt"

	"carelane/pkg/domain"
)

var ErrUnknownParty = errors.New("unknown party")

// Directory resolves party names to identities. It is injected once at
// flow construction; flows never look parties up ad hoc mid-protocol.
type Directory interface {
	Lookup(ctx context.Context, name string) (domain.Party, error)
}

// Static is a fixed in-memory roster, used by tests and single-node
// deployments seeded from config.
type Static struct {
	parties map[string]domain.Party
}

func NewStatic(parties ...domain.Party) *Static {
	m := make(map[string]domain.Party, len(parties))
	for _, p := range parties {
		m[p.Name] = p
	}
	return &Static{parties: m}
}

func (s *Static) Lookup(ctx context.Context, name string) (domain.Party, error) {
	p, ok := s.parties[name]
	if !ok {
		return domain.Party{}, fmt.Errorf("%w: %s", ErrUnknownParty, name)
	}
	return p, nil
}
