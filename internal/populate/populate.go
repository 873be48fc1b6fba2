// Package populate implements the incremental computation scheduler. It
// walks the set of keys that still need results, claims each one, runs
// the user's compute hook inside a transaction, and records the outcome
// so a fleet of workers can fill a table cooperatively.
package populate

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/keyfill/keyfill/internal/conn"
	"github.com/keyfill/keyfill/internal/deps"
	"github.com/keyfill/keyfill/internal/errors"
	"github.com/keyfill/keyfill/internal/heading"
	"github.com/keyfill/keyfill/internal/jobs"
	"github.com/keyfill/keyfill/internal/observability"
	"github.com/keyfill/keyfill/internal/relation"
)

// Processing orders for one run.
const (
	OrderOriginal = "original"
	OrderReverse  = "reverse"
	OrderRandom   = "random"
)

// ComputeFunc computes and inserts the result rows for one key. It runs
// inside an open transaction; inserts made through the target relation
// commit or roll back with the key.
type ComputeFunc func(ctx context.Context, key heading.Key) error

// KeyError pairs a failed key with its compute error.
type KeyError struct {
	Key heading.Key
	Err error
}

// Options control one population run.
type Options struct {
	// Restrictions narrow the key source before scheduling.
	Restrictions []relation.Restriction
	// SuppressErrors accumulates compute failures instead of aborting.
	SuppressErrors bool
	// ReserveJobs coordinates with other workers through the job store.
	ReserveJobs bool
	// Order is one of original, reverse, random. Empty means original.
	Order string
	// Limit caps the number of keys processed this run. Zero means all.
	Limit int
}

// Populator schedules computation of missing keys for one target table.
type Populator struct {
	conn    *conn.Connection
	target  *relation.Relation
	compute ComputeFunc

	keySource *relation.Relation
	graph     *deps.Graph
	store     *jobs.Store
	stats     *observability.RunStats
}

// Option configures a Populator.
type Option func(*Populator)

// WithKeySource overrides the derived key source relation.
func WithKeySource(ks *relation.Relation) Option {
	return func(p *Populator) { p.keySource = ks }
}

// WithGraph supplies the dependency graph used to derive the key source.
func WithGraph(g *deps.Graph) Option {
	return func(p *Populator) { p.graph = g }
}

// WithJobStore supplies the reservation store for distributed runs.
func WithJobStore(s *jobs.Store) Option {
	return func(p *Populator) { p.store = s }
}

// WithRunStats supplies a shared outcome tracker.
func WithRunStats(s *observability.RunStats) Option {
	return func(p *Populator) { p.stats = s }
}

// New creates a populator for the target relation.
func New(target *relation.Relation, compute ComputeFunc, opts ...Option) *Populator {
	p := &Populator{
		conn:    target.Connection(),
		target:  target,
		compute: compute,
		stats:   observability.NewRunStats(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.graph == nil {
		p.graph = deps.New(p.conn)
	}
	return p
}

// Stats returns the outcome tracker for this populator.
func (p *Populator) Stats() *observability.RunStats { return p.stats }

// KeySource returns the relation whose primary key enumerates all work,
// deriving and memoizing the natural join of the target's primary
// parents when no override was given. Parents join in declaration order.
func (p *Populator) KeySource(ctx context.Context) (*relation.Relation, error) {
	if p.keySource != nil {
		return p.keySource, nil
	}
	ref := deps.Ref{Database: p.target.Database(), Table: p.target.TableName()}
	parents, err := p.graph.ParentsOf(ctx, ref, true)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, errors.NewPopulateError(errors.CodeNoParents,
			"cannot derive a key source for "+p.target.FullName()+": no primary foreign keys")
	}
	ks, err := relation.Table(p.conn, parents[0].Database, parents[0].Table).Proj(ctx)
	if err != nil {
		return nil, err
	}
	for _, parent := range parents[1:] {
		next, err := relation.Table(p.conn, parent.Database, parent.Table).Proj(ctx)
		if err != nil {
			return nil, err
		}
		ks, err = ks.NaturalJoin(ctx, next)
		if err != nil {
			return nil, err
		}
	}
	p.keySource = ks
	return ks, nil
}

// todo returns the restricted key source minus already-computed keys.
func (p *Populator) todo(ctx context.Context, restrictions []relation.Restriction) (*relation.Relation, error) {
	ks, err := p.KeySource(ctx)
	if err != nil {
		return nil, err
	}
	done, err := p.target.Proj(ctx)
	if err != nil {
		return nil, err
	}
	return ks.Restrict(restrictions...).Diff(ctx, done)
}

// Populate computes results for every missing key in scope. With
// SuppressErrors it returns the keys that failed; otherwise the first
// failure aborts the run. It must not be called with a transaction open.
func (p *Populator) Populate(ctx context.Context, opts Options) ([]KeyError, error) {
	order := opts.Order
	if order == "" {
		order = OrderOriginal
	}
	switch order {
	case OrderOriginal, OrderReverse, OrderRandom:
	default:
		return nil, errors.NewPopulateError(errors.CodeInvalidOrder,
			"unknown processing order "+order)
	}
	if p.conn.InTransaction(ctx) {
		return nil, errors.NewTransactionError(errors.CodeTransactionInProgress,
			"populate cannot run inside an open transaction")
	}

	todo, err := p.todo(ctx, opts.Restrictions)
	if err != nil {
		return nil, err
	}
	keys, err := todo.FetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	switch order {
	case OrderReverse:
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	case OrderRandom:
		rand.Shuffle(len(keys), func(i, j int) {
			keys[i], keys[j] = keys[j], keys[i]
		})
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	log.Printf("populate: %s: %d keys to process", p.target.FullName(), len(keys))

	reserve := opts.ReserveJobs && p.store != nil
	var failed []KeyError
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if reserve {
			acquired, err := p.store.Reserve(ctx, p.target.FullName(), key)
			if err != nil {
				return failed, err
			}
			if !acquired {
				p.stats.RecordSkippedReserved(p.target.FullName())
				continue
			}
		}
		if err := p.processKey(ctx, key, reserve); err != nil {
			p.stats.RecordErrored(p.target.FullName())
			if reserve {
				if jerr := p.store.Error(ctx, p.target.FullName(), key, err.Error()); jerr != nil {
					log.Printf("populate: warning: failed to record job error for %s: %v",
						key.Canonical(), jerr)
				}
			}
			if !opts.SuppressErrors {
				return failed, err
			}
			log.Printf("populate: %s: key %s failed: %v", p.target.FullName(), key.Canonical(), err)
			failed = append(failed, KeyError{Key: key, Err: err})
		}
	}
	return failed, nil
}

// processKey computes one key inside its own transaction.
func (p *Populator) processKey(ctx context.Context, key heading.Key, reserved bool) error {
	if err := p.conn.StartTransaction(ctx); err != nil {
		return err
	}

	// Another worker may have committed this key after scheduling.
	exists, err := p.target.Contains(ctx, key)
	if err != nil {
		p.cancel(ctx)
		return err
	}
	if exists {
		if err := p.conn.CancelTransaction(ctx); err != nil {
			return err
		}
		if reserved {
			if err := p.store.Complete(ctx, p.target.FullName(), key); err != nil {
				return err
			}
		}
		p.stats.RecordSkippedExisting(p.target.FullName())
		return nil
	}

	start := time.Now()
	if err := p.compute(ctx, key); err != nil {
		p.cancel(ctx)
		return errors.NewComputeError("compute failed for key "+key.Canonical(), err)
	}
	if err := p.conn.CommitTransaction(ctx); err != nil {
		return err
	}

	if reserved {
		if err := p.store.Complete(ctx, p.target.FullName(), key); err != nil {
			return err
		}
	}
	p.stats.RecordComputed(p.target.FullName(), time.Since(start))
	return nil
}

// cancel rolls back without masking the caller's error. Rollback can
// itself fail on a dead connection; the transaction flag is cleared
// either way.
func (p *Populator) cancel(ctx context.Context) {
	if err := p.conn.CancelTransaction(ctx); err != nil {
		log.Printf("populate: warning: rollback failed: %v", err)
	}
}

// Progress reports how many keys remain and how many exist in total for
// the restricted scope.
func (p *Populator) Progress(ctx context.Context, restrictions ...relation.Restriction) (remaining, total int, err error) {
	ks, err := p.KeySource(ctx)
	if err != nil {
		return 0, 0, err
	}
	total, err = ks.Restrict(restrictions...).Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	todo, err := p.todo(ctx, restrictions)
	if err != nil {
		return 0, 0, err
	}
	remaining, err = todo.Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	return remaining, total, nil
}
