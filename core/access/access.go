// Package access maps schema actions to permission slugs and asks the
// authorization oracle whether a principal holds them.
//
// An action with no declared permission is open to every principal. That is
// the documented contract of a schema document: leaving "create" out of its
// permissions map publishes create. Once a slug is declared the gate fails
// closed. A denial, a missing oracle or an oracle error all refuse the action.
package access

import (
	"context"
	"fmt"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/ports"
	"github.com/rs/zerolog"
)

// Config configures a Gate.
type Config struct {
	Authorizer ports.Authorizer
	Logger     zerolog.Logger
}

// Gate checks schema permissions.
type Gate struct {
	authorizer ports.Authorizer
	logger     zerolog.Logger
}

// New creates a gate.
func New(cfg Config) *Gate {
	return &Gate{authorizer: cfg.Authorizer, logger: cfg.Logger}
}

// ResolvePermission returns the slug required for an action key. A custom
// action's own permission wins; otherwise the schema's permissions map is
// consulted under the key. ok is false when nothing is declared.
func ResolvePermission(s *schema.Schema, action string) (slug string, ok bool) {
	if a, found := s.Action(action); found && a.Permission != "" {
		return a.Permission, true
	}
	return s.Permission(action)
}

// Check returns nil when p may perform action on the schema's model and a
// *errs.ForbiddenError when it may not.
func (g *Gate) Check(ctx context.Context, p ports.Principal, s *schema.Schema, action string) error {
	slug, ok := ResolvePermission(s, action)
	if !ok {
		g.logger.Debug().
			Str("model", s.Model).
			Str("action", action).
			Msg("no permission declared, action is open")
		return nil
	}

	forbidden := &errs.ForbiddenError{Model: s.Model, Action: action, Permission: slug}
	if g.authorizer == nil {
		return forbidden
	}

	allowed, err := g.authorizer.CheckAccess(ctx, p, slug)
	if err != nil {
		return fmt.Errorf("check %q for %s.%s: %w", slug, s.Model, action, err)
	}
	if !allowed {
		g.logger.Info().
			Str("model", s.Model).
			Str("action", action).
			Str("permission", slug).
			Str("principal", p.ID).
			Msg("access denied")
		return forbidden
	}
	return nil
}
