// Package crud runs engine operations for a model: it loads the schema,
// checks the caller's permission, configures a fresh table accessor and
// hands off to the query engine or the relationship manager.
package crud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tablegate/core/access"
	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/query"
	"github.com/artpar/tablegate/core/relation"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/core/table"
	"github.com/artpar/tablegate/ports"
	"github.com/rs/zerolog"
)

// Operation names reported to metrics and logs.
const (
	OpSchema  = "schema"
	OpList    = "list"
	OpGet     = "get"
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpAttach  = "attach"
	OpDetach  = "detach"
	OpRelated = "related"
	OpAction  = "action"
)

// Schemas supplies compiled schemas. *loader.Loader satisfies it.
type Schemas interface {
	Load(ctx context.Context, model, contextName string) (*schema.Schema, error)
	Document(ctx context.Context, model string, contexts []string) (schema.Payload, error)
}

// Config configures a Service.
type Config struct {
	Schemas Schemas
	DB      *sql.DB
	Dialect dialect.Dialect
	Gate    *access.Gate
	Clock   ports.Clock
	Metrics ports.Metrics
	Logger  zerolog.Logger
}

// Service executes operations. It holds no per-operation state and is safe
// for concurrent use.
type Service struct {
	schemas Schemas
	db      *sql.DB
	dialect dialect.Dialect
	gate    *access.Gate
	clock   ports.Clock
	metrics ports.Metrics
	logger  zerolog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Schemas == nil {
		return nil, errors.New("crud: schema source is required")
	}
	if cfg.DB == nil || cfg.Dialect == nil {
		return nil, errors.New("crud: database and dialect are required")
	}
	gate := cfg.Gate
	if gate == nil {
		gate = access.New(access.Config{Logger: cfg.Logger})
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Service{
		schemas: cfg.Schemas,
		db:      cfg.DB,
		dialect: cfg.Dialect,
		gate:    gate,
		clock:   cfg.Clock,
		metrics: metrics,
		logger:  cfg.Logger,
	}, nil
}

// ActionResult is the outcome of a custom action.
type ActionResult struct {
	Action   string       `json:"action"`
	Executed bool         `json:"executed"`
	Record   table.Record `json:"record,omitempty"`
}

// observe records an operation and logs its failure.
func (s *Service) observe(model, op string, start time.Time, err error) {
	s.metrics.Operation(model, op, time.Since(start), err)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("model", model).
			Str("op", op).
			Int("status", errs.HTTPStatus(err)).
			Msg("operation failed")
	}
}

// prepare loads the schema, checks permission and configures a fresh
// accessor for one operation.
func (s *Service) prepare(ctx context.Context, p ports.Principal, model, action string) (*table.Accessor, error) {
	sch, err := s.authorize(ctx, p, model, action)
	if err != nil {
		return nil, err
	}
	return table.Configure(sch, s.db, s.dialect, s.clock), nil
}

// authorize loads the full schema for model and checks action against it.
func (s *Service) authorize(ctx context.Context, p ports.Principal, model, action string) (*schema.Schema, error) {
	sch, err := s.schemas.Load(ctx, model, "")
	if err != nil {
		return nil, err
	}
	if err := s.gate.Check(ctx, p, sch, action); err != nil {
		return nil, err
	}
	return sch, nil
}

// Schema returns the schema document for the requested contexts.
func (s *Service) Schema(ctx context.Context, p ports.Principal, model string, contexts []string) (payload schema.Payload, err error) {
	defer func(start time.Time) { s.observe(model, OpSchema, start, err) }(time.Now())

	if _, err = s.authorize(ctx, p, model, schema.ActionRead); err != nil {
		return schema.Payload{}, err
	}
	return s.schemas.Document(ctx, model, contexts)
}

// List runs a listing request.
func (s *Service) List(ctx context.Context, p ports.Principal, model string, req query.Request) (res *query.Result, err error) {
	defer func(start time.Time) { s.observe(model, OpList, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionRead)
	if err != nil {
		return nil, err
	}
	return query.New(a).Run(ctx, req)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, p ports.Principal, model string, id any) (rec table.Record, err error) {
	defer func(start time.Time) { s.observe(model, OpGet, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionRead)
	if err != nil {
		return nil, err
	}
	return a.Find(ctx, id)
}

// Create inserts a record.
func (s *Service) Create(ctx context.Context, p ports.Principal, model string, input map[string]any) (rec table.Record, err error) {
	defer func(start time.Time) { s.observe(model, OpCreate, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionCreate)
	if err != nil {
		return nil, err
	}
	return a.Create(ctx, input)
}

// Update changes a record.
func (s *Service) Update(ctx context.Context, p ports.Principal, model string, id any, input map[string]any) (rec table.Record, err error) {
	defer func(start time.Time) { s.observe(model, OpUpdate, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionUpdate)
	if err != nil {
		return nil, err
	}
	return a.Update(ctx, id, input)
}

// Delete removes a record, softly when the schema says so.
func (s *Service) Delete(ctx context.Context, p ports.Principal, model string, id any) (err error) {
	defer func(start time.Time) { s.observe(model, OpDelete, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionDelete)
	if err != nil {
		return err
	}
	return a.Delete(ctx, id)
}

// Attach links related records. It needs the parent's update permission.
func (s *Service) Attach(ctx context.Context, p ports.Principal, model string, id any, rel string, ids []any) (n int64, err error) {
	defer func(start time.Time) { s.observe(model, OpAttach, start, err) }(time.Now())

	m, err := s.relations(ctx, p, model, schema.ActionUpdate)
	if err != nil {
		return 0, err
	}
	return m.Attach(ctx, id, rel, ids)
}

// Detach unlinks related records. It needs the parent's update permission.
func (s *Service) Detach(ctx context.Context, p ports.Principal, model string, id any, rel string, ids []any) (n int64, err error) {
	defer func(start time.Time) { s.observe(model, OpDetach, start, err) }(time.Now())

	m, err := s.relations(ctx, p, model, schema.ActionUpdate)
	if err != nil {
		return 0, err
	}
	return m.Detach(ctx, id, rel, ids)
}

// Related lists records related to a parent through a relationship or a
// details entry. Read permission is required on both models.
func (s *Service) Related(ctx context.Context, p ports.Principal, model string, id any, rel string, req query.Request) (res *query.Result, err error) {
	defer func(start time.Time) { s.observe(model, OpRelated, start, err) }(time.Now())

	a, err := s.prepare(ctx, p, model, schema.ActionRead)
	if err != nil {
		return nil, err
	}
	resolve := func(ctx context.Context, target string) (*table.Accessor, error) {
		return s.prepare(ctx, p, target, schema.ActionRead)
	}
	return relation.New(a, s.db, resolve).Related(ctx, id, rel, req)
}

func (s *Service) relations(ctx context.Context, p ports.Principal, model, action string) (*relation.Manager, error) {
	a, err := s.prepare(ctx, p, model, action)
	if err != nil {
		return nil, err
	}
	resolve := func(ctx context.Context, target string) (*table.Accessor, error) {
		sch, err := s.schemas.Load(ctx, target, "")
		if err != nil {
			return nil, err
		}
		return table.Configure(sch, s.db, s.dialect, s.clock), nil
	}
	return relation.New(a, s.db, resolve), nil
}

// RunAction performs a custom action on a record. field_update actions set
// their field to the configured value, or toggle a boolean field when no
// value is configured. Other action types are only authorized and return
// the current record for the caller to act on.
func (s *Service) RunAction(ctx context.Context, p ports.Principal, model string, id any, key string) (res *ActionResult, err error) {
	defer func(start time.Time) { s.observe(model, OpAction, start, err) }(time.Now())

	sch, err := s.schemas.Load(ctx, model, "")
	if err != nil {
		return nil, err
	}
	act, ok := sch.Action(key)
	if !ok {
		return nil, &errs.InvalidInputError{Field: "action", Reason: fmt.Sprintf("model %q has no action %q", model, key)}
	}
	if err := s.gate.Check(ctx, p, sch, key); err != nil {
		return nil, err
	}

	a := table.Configure(sch, s.db, s.dialect, s.clock)
	rec, err := a.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if act.Type != schema.ActionFieldUpdate {
		return &ActionResult{Action: key, Record: rec}, nil
	}

	value := act.Value
	if value == nil {
		f, _ := a.Field(act.Field)
		if _, isBool := f.Handler().(fieldtype.Boolean); !isBool {
			return nil, &errs.InvalidInputError{Field: act.Field, Reason: "action has no value and the field is not boolean"}
		}
		current, _ := rec[act.Field].(bool)
		value = !current
	}

	rec, err = a.SetField(ctx, id, act.Field, value)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Action: key, Executed: true, Record: rec}, nil
}
