// Package recovery finds prepared branches left in doubt by lost connections
// and resolves them from the transaction manager's recorded decisions.
package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Recoverable is a resource registered for recovery.
type Recoverable interface {
	RecoveryToken() uint64
	Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error)
	Commit(ctx context.Context, xid protocol.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid protocol.Xid) error
	Forget(ctx context.Context, xid protocol.Xid) error
}

// Resolver scans registered resources and drives in-doubt branches to
// completion.
type Resolver struct {
	mu        sync.Mutex
	resources map[uint64]Recoverable

	decisions    *DecisionLog
	presumeAbort bool
	parallel     int
	logger       *zap.Logger
	metrics      *Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDecisionLog resolves branches from l.
func WithDecisionLog(l *DecisionLog) Option {
	return func(r *Resolver) { r.decisions = l }
}

// WithPresumedAbort rolls back in-doubt branches that have no recorded
// decision. Off by default: such branches are reported as pending.
func WithPresumedAbort(on bool) Option {
	return func(r *Resolver) { r.presumeAbort = on }
}

// WithParallelism bounds the number of concurrent scans.
func WithParallelism(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records scan and resolution counts in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver returns a Resolver with no resources.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		resources: make(map[uint64]Recoverable),
		parallel:  4,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds res. Registering the same token twice replaces the resource.
func (r *Resolver) Register(res Recoverable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.RecoveryToken()] = res
}

// Unregister removes the resource with token.
func (r *Resolver) Unregister(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, token)
}

// Len returns the number of registered resources.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resources)
}

func (r *Resolver) snapshot() []Recoverable {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Recoverable, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecoveryToken() < out[j].RecoveryToken() })
	return out
}

// Scan runs a full recovery scan on every resource. Each Xid is reported once,
// attributed to the first resource that returned it. A failing resource does
// not stop the others; its error is part of the returned error.
func (r *Resolver) Scan(ctx context.Context) ([]protocol.InDoubtRecord, error) {
	resources := r.snapshot()

	var (
		mu      sync.Mutex
		found   = make(map[protocol.Xid]uint64)
		scanErr error
		g       errgroup.Group
	)
	g.SetLimit(r.parallel)

	for _, res := range resources {
		res := res
		g.Go(func() error {
			xids, err := res.Recover(ctx, protocol.TMStartRScan|protocol.TMEndRScan)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("recovery scan failed", zap.Uint64("token", res.RecoveryToken()), zap.Error(err))
				scanErr = multierr.Append(scanErr, err)
				return nil
			}
			for _, xid := range xids {
				if prev, ok := found[xid]; !ok || res.RecoveryToken() < prev {
					found[xid] = res.RecoveryToken()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	records := make([]protocol.InDoubtRecord, 0, len(found))
	for xid, token := range found {
		rec := protocol.NewInDoubtRecord(token, xid)
		if outcome, ok := r.decisions.Lookup(xid); ok {
			rec.Decision = string(outcome)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Xid < records[j].Xid })

	r.metrics.setInDoubt(len(records))
	r.logger.Debug("recovery scan complete", zap.Int("resources", len(resources)), zap.Int("in_doubt", len(records)))
	return records, scanErr
}

// Resolve scans and completes every in-doubt branch that has a decision, or
// rolls it back under presumed abort. Heuristic outcomes are forgotten.
func (r *Resolver) Resolve(ctx context.Context) (*protocol.ResolveResponse, error) {
	records, err := r.Scan(ctx)
	resp := &protocol.ResolveResponse{Generated: time.Now().UTC()}

	r.mu.Lock()
	resources := make(map[uint64]Recoverable, len(r.resources))
	for token, res := range r.resources {
		resources[token] = res
	}
	r.mu.Unlock()

	for _, rec := range records {
		xid, perr := protocol.ParseXid(rec.Xid)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		res, ok := resources[rec.Token]
		if !ok {
			continue
		}

		outcome := Outcome(rec.Decision)
		if outcome == "" {
			if !r.presumeAbort {
				resp.Pending = append(resp.Pending, rec.Xid)
				continue
			}
			outcome = OutcomeRollback
		}

		if rerr := r.complete(ctx, res, xid, outcome, resp); rerr != nil {
			resp.Errors = append(resp.Errors, rerr.Error())
			err = multierr.Append(err, rerr)
		}
	}

	r.logger.Info("recovery pass complete",
		zap.Int("committed", len(resp.Committed)),
		zap.Int("rolled_back", len(resp.RolledBack)),
		zap.Int("forgotten", len(resp.Forgotten)),
		zap.Int("pending", len(resp.Pending)),
		zap.Error(err))
	return resp, err
}

func (r *Resolver) complete(ctx context.Context, res Recoverable, xid protocol.Xid, outcome Outcome, resp *protocol.ResolveResponse) error {
	log := r.logger.With(zap.Stringer("xid", xid), zap.String("outcome", string(outcome)))

	var err error
	if outcome == OutcomeCommit {
		err = res.Commit(ctx, xid, false)
	} else {
		err = res.Rollback(ctx, xid)
	}

	switch {
	case err == nil:
		if outcome == OutcomeCommit {
			resp.Committed = append(resp.Committed, xid.String())
		} else {
			resp.RolledBack = append(resp.RolledBack, xid.String())
		}
		r.metrics.resolvedAs(string(outcome))
		log.Info("in-doubt branch resolved")

	case xaerr.IsHeuristic(err):
		if ferr := res.Forget(ctx, xid); ferr != nil {
			return multierr.Append(err, ferr)
		}
		resp.Forgotten = append(resp.Forgotten, xid.String())
		r.metrics.resolvedAs("heuristic")
		log.Warn("in-doubt branch completed heuristically", zap.Error(err))

	case errors.Is(err, xaerr.ErrBranchBusy):
		// the resource is serving another branch; try again next pass
		log.Info("resource busy, in-doubt branch left for the next pass")
		resp.Pending = append(resp.Pending, xid.String())
		return nil

	case errors.Is(err, xaerr.ErrUnknownBranch):
		// resolved elsewhere since the scan
		log.Info("in-doubt branch already gone")

	default:
		return err
	}
	return r.decisions.Remove(xid)
}
