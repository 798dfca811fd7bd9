// Package reconcile repairs drift between the off-chain projection and canonical ledger state.
//
// Each pass selects a working set of projected entities, reads each entity's account from the
// ledger and compares a fixed allow-list of fields. The ledger always wins: differing fields are
// overwritten and stamped, and entities whose account no longer exists are marked orphaned
// rather than deleted. Orphaned entities are left out of every later pass.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// ErrNotFound is returned by Source.Lookup when the projection has no such entity.
var ErrNotFound = errors.New("entity not found")

// Orphan reason codes.
const (
	// ReasonBlockReorg marks an entity whose account vanished shortly after it was projected,
	// i.e. the creating transaction was rolled back.
	ReasonBlockReorg = "block_reorg"
	// ReasonAccountNotFound marks an entity whose account no longer exists.
	ReasonAccountNotFound = "account_not_found"
)

// Pass names.
const (
	PassRecent  = "recent"
	PassAll     = "all"
	PassCleanup = "cleanup"
)

// Entity is a projected record: its ledger address and the tracked fields.
type Entity struct {
	Address string
	Fields  map[string]any
}

// Source is the projection store for one entity type. List methods never return orphaned
// entities or entities without a ledger address yet.
type Source interface {
	ListRecent(ctx context.Context, since time.Time) ([]Entity, error)
	ListAll(ctx context.Context) ([]Entity, error)
	// Lookup returns ErrNotFound when the entity is not projected or is orphaned.
	Lookup(ctx context.Context, address string) (Entity, error)
	ApplyCorrection(ctx context.Context, address string, fields map[string]any, reconciledAt time.Time) error
	MarkOrphaned(ctx context.Context, address, reason string, orphanedAt time.Time) error
}

// EntityType binds a projection Source to the decoder of the matching account.
type EntityType struct {
	Name   string
	Source Source
	// Fields is the allow-list of compared fields.
	Fields []string
	// Decode returns the canonical field values from account data.
	Decode func(data []byte) (map[string]any, error)
}

// Outcome is the result of reconciling one entity.
type Outcome string

const (
	OutcomeInSync    Outcome = metrics.ReconcileInSync
	OutcomeCorrected Outcome = metrics.ReconcileCorrected
	OutcomeOrphaned  Outcome = metrics.ReconcileOrphaned
	OutcomeFailed    Outcome = metrics.ReconcileFailed
	// OutcomeSkipped means the entity is not in the projection.
	OutcomeSkipped Outcome = "skipped"
)

// Report summarizes a pass.
type Report struct {
	Pass      string
	Checked   int
	InSync    int
	Corrected int
	Orphaned  int
	Failed    int
	Duration  time.Duration
}

func (r *Report) add(o Outcome) {
	r.Checked++
	switch o {
	case OutcomeInSync:
		r.InSync++
	case OutcomeCorrected:
		r.Corrected++
	case OutcomeOrphaned:
		r.Orphaned++
	case OutcomeFailed:
		r.Failed++
	}
}

type Config struct {
	// RecentWindow is the default working-set window of ReconcileRecent.
	RecentWindow time.Duration
	// Concurrency bounds concurrent ledger reads within a pass.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		RecentWindow: time.Hour,
		Concurrency:  4,
	}
}

// Engine reconciles registered entity types against the ledger.
type Engine struct {
	log     *zap.SugaredLogger
	cfg     Config
	client  ledger.Client
	types   map[string]EntityType
	order   []string
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(log *zap.SugaredLogger, cfg Config, client ledger.Client, types []EntityType, m *metrics.Metrics) (*Engine, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.RecentWindow <= 0 {
		return nil, errors.New("invalid recent window: must be greater than 0")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.New("invalid concurrency: must be greater than 0")
	}
	if client == nil {
		return nil, errors.New("invalid ledger client: must not be nil")
	}
	if len(types) == 0 {
		return nil, errors.New("invalid entity types: must not be empty")
	}
	e := &Engine{
		log:     log,
		cfg:     cfg,
		client:  client,
		types:   make(map[string]EntityType, len(types)),
		metrics: m,
		now:     time.Now,
	}
	for _, t := range types {
		if t.Name == "" || t.Source == nil || t.Decode == nil || len(t.Fields) == 0 {
			return nil, fmt.Errorf("invalid entity type %q: name, source, decode and fields are required", t.Name)
		}
		if _, dup := e.types[t.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", t.Name)
		}
		e.types[t.Name] = t
		e.order = append(e.order, t.Name)
	}
	return e, nil
}

// ReconcileRecent reconciles entities projected within window (RecentWindow when zero). An
// absent account here means the creating transaction was rolled back.
func (e *Engine) ReconcileRecent(ctx context.Context, window time.Duration) (Report, error) {
	if window <= 0 {
		window = e.cfg.RecentWindow
	}
	since := e.now().Add(-window)
	return e.pass(ctx, PassRecent, func(ctx context.Context, t EntityType) ([]Entity, error) {
		return t.Source.ListRecent(ctx, since)
	}, ReasonBlockReorg, true)
}

// ReconcileAll reconciles every non-orphaned entity.
func (e *Engine) ReconcileAll(ctx context.Context) (Report, error) {
	return e.pass(ctx, PassAll, func(ctx context.Context, t EntityType) ([]Entity, error) {
		return t.Source.ListAll(ctx)
	}, ReasonAccountNotFound, true)
}

// CleanupOrphaned only checks that every non-orphaned entity still has an account.
func (e *Engine) CleanupOrphaned(ctx context.Context) (Report, error) {
	return e.pass(ctx, PassCleanup, func(ctx context.Context, t EntityType) ([]Entity, error) {
		return t.Source.ListAll(ctx)
	}, ReasonAccountNotFound, false)
}

// SyncEntity reconciles a single entity, e.g. after a potential reorg. It returns
// OutcomeSkipped when the entity is not projected.
func (e *Engine) SyncEntity(ctx context.Context, entityType, address string) (Outcome, error) {
	t, ok := e.types[entityType]
	if !ok {
		return OutcomeFailed, fmt.Errorf("unknown entity type %q", entityType)
	}
	ent, err := t.Source.Lookup(ctx, address)
	if errors.Is(err, ErrNotFound) {
		e.log.Warnw("entity not in projection, nothing to sync", "type", entityType, "address", address)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to look up %s %s: %w", entityType, address, err)
	}
	return e.reconcileOne(ctx, t, ent, ReasonBlockReorg, true)
}

// HandlePotentialReorg is a bus handler that re-syncs every entity the event touched.
func (e *Engine) HandlePotentialReorg(ctx context.Context, n bus.Notification) error {
	if n.Event == nil {
		return nil
	}
	var errs []error
	for _, ref := range n.Event.EntityRefs() {
		if _, ok := e.types[ref.Type]; !ok {
			continue
		}
		outcome, err := e.SyncEntity(ctx, ref.Type, ref.Address)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.log.Infow("re-synced entity after potential reorg",
			"txId", n.Event.TxID,
			"event", n.Event.Name,
			"type", ref.Type,
			"address", ref.Address,
			"outcome", outcome,
		)
	}
	return errors.Join(errs...)
}

type lister func(ctx context.Context, t EntityType) ([]Entity, error)

func (e *Engine) pass(ctx context.Context, name string, list lister, reason string, compare bool) (Report, error) {
	start := e.now()
	report := Report{Pass: name}
	var mu sync.Mutex

	for _, typeName := range e.order {
		t := e.types[typeName]
		entities, err := list(ctx, t)
		if err != nil {
			return report, fmt.Errorf("failed to list %s entities: %w", t.Name, err)
		}
		e.log.Infow("reconciling entities", "pass", name, "type", t.Name, "count", len(entities))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, ent := range entities {
			g.Go(func() error {
				outcome, err := e.reconcileOne(gctx, t, ent, reason, compare)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					e.log.Errorw("failed to reconcile entity",
						"pass", name,
						"type", t.Name,
						"address", ent.Address,
						"error", err,
					)
				}
				mu.Lock()
				report.add(outcome)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
	}

	report.Duration = e.now().Sub(start)
	e.metrics.ObserveReconcilePass(name, report.Duration.Seconds())
	e.log.Infow("reconciliation pass complete",
		"pass", name,
		"checked", report.Checked,
		"inSync", report.InSync,
		"corrected", report.Corrected,
		"orphaned", report.Orphaned,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

func (e *Engine) reconcileOne(ctx context.Context, t EntityType, ent Entity, reason string, compare bool) (Outcome, error) {
	outcome, err := e.reconcile(ctx, t, ent, reason, compare)
	e.metrics.RecordReconciled(t.Name, string(outcome))
	return outcome, err
}

func (e *Engine) reconcile(ctx context.Context, t EntityType, ent Entity, reason string, compare bool) (Outcome, error) {
	acct, err := e.client.AccountState(ctx, ent.Address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		e.log.Warnw("entity no longer on ledger, marking orphaned",
			"type", t.Name,
			"address", ent.Address,
			"reason", reason,
		)
		if err := t.Source.MarkOrphaned(ctx, ent.Address, reason, e.now()); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to mark %s %s orphaned: %w", t.Name, ent.Address, err)
		}
		return OutcomeOrphaned, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to read account %s: %w", ent.Address, err)
	}
	if !compare {
		return OutcomeInSync, nil
	}

	canonical, err := t.Decode(acct.Data)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to decode %s account %s: %w", t.Name, ent.Address, err)
	}
	drift := diff(t.Fields, ent.Fields, canonical)
	if len(drift) == 0 {
		return OutcomeInSync, nil
	}

	e.log.Warnw("drift detected, applying ledger state",
		"type", t.Name,
		"address", ent.Address,
		"fields", drift,
	)
	if err := t.Source.ApplyCorrection(ctx, ent.Address, drift, e.now()); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to correct %s %s: %w", t.Name, ent.Address, err)
	}
	return OutcomeCorrected, nil
}

// diff returns the canonical values of allow-listed fields that differ from the projection.
func diff(fields []string, projected, canonical map[string]any) map[string]any {
	out := make(map[string]any)
	for _, f := range fields {
		want, ok := canonical[f]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(normalize(projected[f]), normalize(want)) {
			out[f] = want
		}
	}
	return out
}

// normalize widens integers so values read from different drivers compare equal.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n <= 1<<63-1 {
			return int64(n)
		}
		return n
	case uint:
		return normalize(uint64(n))
	default:
		return v
	}
}
