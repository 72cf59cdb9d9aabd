package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/artpar/tablegate/ports"
)

// Wildcard grants every permission.
const Wildcard = "*"

// RolePrefix marks a grant subject as a role name rather than a principal ID.
const RolePrefix = "role:"

// Grants is a static authorization oracle: a table from subject to the
// permission slugs it holds. A subject is a principal ID or "role:<name>".
type Grants struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
}

// NewGrants builds an oracle from a subject to slugs table.
func NewGrants(table map[string][]string) *Grants {
	g := &Grants{grants: make(map[string]map[string]bool)}
	for subject, slugs := range table {
		g.Grant(subject, slugs...)
	}
	return g
}

// Replace swaps the whole table, as on a config reload.
func (g *Grants) Replace(table map[string][]string) {
	next := make(map[string]map[string]bool, len(table))
	for subject, slugs := range table {
		set := make(map[string]bool, len(slugs))
		for _, s := range slugs {
			set[s] = true
		}
		next[subject] = set
	}
	g.mu.Lock()
	g.grants = next
	g.mu.Unlock()
}

// Grant adds slugs to a subject.
func (g *Grants) Grant(subject string, slugs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.grants[subject]
	if !ok {
		set = make(map[string]bool)
		g.grants[subject] = set
	}
	for _, s := range slugs {
		set[s] = true
	}
}

// Revoke removes slugs from a subject.
func (g *Grants) Revoke(subject string, slugs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range slugs {
		delete(g.grants[subject], s)
	}
}

// CheckAccess reports whether the principal, or one of its roles, holds
// the permission or the wildcard. An anonymous principal only gets what
// its roles grant.
func (g *Grants) CheckAccess(ctx context.Context, p ports.Principal, permission string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	subjects := make([]string, 0, len(p.Roles)+1)
	if p.ID != "" && !strings.HasPrefix(p.ID, RolePrefix) {
		subjects = append(subjects, p.ID)
	}
	for _, r := range p.Roles {
		subjects = append(subjects, RolePrefix+r)
	}
	for _, s := range subjects {
		set := g.grants[s]
		if set[permission] || set[Wildcard] {
			return true, nil
		}
	}
	return false, nil
}

// Ensure interface compliance.
var _ ports.Authorizer = (*Grants)(nil)
