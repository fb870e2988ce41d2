package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pasteir/metrics"
	"pasteir/pkg/domain"
	"pasteir/svc/util"
)

const (
	defaultReaperInterval = 10 * time.Minute
	defaultReaperBatch    = 100
	defaultReaperWorkers  = 4
)

type ReaperOpts struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	Clock     func() time.Time
}

type SweepReport struct {
	Candidates int           `json:"candidates"`
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Reaper deletes expired and exhausted pastes on a fixed schedule,
// independent of read traffic.
type Reaper struct {
	store     Store
	grace     GraceCache
	interval  time.Duration
	batchSize int
	workers   int
	now       func() time.Time
	sweepMu   sync.Mutex
	startMu   sync.Mutex
	started   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewReaper(store Store, grace GraceCache, o ReaperOpts) *Reaper {
	if store == nil || grace == nil {
		panic("reaper: nil dependency (store or grace)")
	}
	if o.Interval <= 0 {
		o.Interval = defaultReaperInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultReaperBatch
	}
	if o.Workers <= 0 {
		o.Workers = defaultReaperWorkers
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return &Reaper{
		store:     store,
		grace:     grace,
		interval:  o.Interval,
		batchSize: o.BatchSize,
		workers:   o.Workers,
		now:       o.Clock,
		stopCh:    make(chan struct{}),
	}
}

// Start sweeps once immediately and then every interval until Stop is
// called or ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return errors.New("reaper already started")
	}
	r.started = true
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	runID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, runID)
	util.Info().
		Str("request_id", runID).
		Dur("interval", r.interval).
		Int("batch_size", r.batchSize).
		Msg("reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", runID).Msg("reaper shutting down")
			return
		case <-r.stopCh:
			util.Info().Str("request_id", runID).Msg("reaper stopped")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}
func (r *Reaper) sweepAndLog(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-sweepCtx.Done():
		}
	}()
	rep, err := r.Sweep(sweepCtx)
	ev := util.Info()
	if err != nil {
		ev = util.Error().Err(err)
	}
	ev.Str("request_id", util.GetRequestID(ctx)).
		Int("candidates", rep.Candidates).
		Int("deleted", rep.Deleted).
		Int("failed", rep.Failed).
		Dur("duration", rep.Duration).
		Msg("reaper sweep finished")
}

// Sweep deletes every paste that is expired or exhausted as of the sweep's
// start. Per-item delete failures are logged and counted; only a failing
// candidate query ends the sweep early.
func (r *Reaper) Sweep(ctx context.Context) (rep SweepReport, err error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	start := time.Now()
	now := r.now()
	var deleted, failed int64
	defer func() {
		rep.Deleted = int(atomic.LoadInt64(&deleted))
		rep.Failed = int(atomic.LoadInt64(&failed))
		rep.Duration = time.Since(start)
		metrics.ReaperSweeps.Inc()
		metrics.ReaperDeleted.Add(float64(rep.Deleted))
		metrics.ReaperFailures.Add(float64(rep.Failed))
		metrics.ReaperDuration.Observe(rep.Duration.Seconds())
	}()
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ids, err := r.store.FindExpiredOrExhausted(ctx, now, cursor, r.batchSize)
		if err != nil {
			return rep, errors.Wrap(err, "find reapable")
		}
		if len(ids) == 0 {
			return rep, nil
		}
		rep.Candidates += len(ids)
		cursor = ids[len(ids)-1]
		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				ok, err := r.remove(ctx, id)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					util.Warn().Err(err).Str("id", id).Msg("reaper delete failed")
					return nil
				}
				if ok {
					atomic.AddInt64(&deleted, 1)
				}
				return nil
			})
		}
		g.Wait()
		if len(ids) < r.batchSize {
			return rep, nil
		}
	}
}
func (r *Reaper) remove(ctx context.Context, id string) (bool, error) {
	removed, err := r.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if err := r.grace.Forget(ctx, id); err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to drop grace marker")
	}
	if removed {
		metrics.PasteDeleted.WithLabelValues("reaper").Inc()
	}
	return removed, nil
}

// Candidates lists every id a sweep started now would delete, without deleting.
func (r *Reaper) Candidates(ctx context.Context) ([]string, error) {
	now := r.now()
	var out []string
	cursor := ""
	for {
		ids, err := r.store.FindExpiredOrExhausted(ctx, now, cursor, r.batchSize)
		if err != nil {
			return out, errors.Wrap(err, "find reapable")
		}
		out = append(out, ids...)
		if len(ids) < r.batchSize {
			return out, nil
		}
		cursor = ids[len(ids)-1]
	}
}

// ReapOne deletes a single paste if it is no longer live. It reports whether
// a row was removed.
func (r *Reaper) ReapOne(ctx context.Context, id string) (bool, error) {
	if !domain.ValidID(id) {
		return false, domain.ErrPasteNotFound
	}
	p, err := r.store.Get(ctx, id)
	if errors.Is(err, domain.ErrPasteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if IsLive(p, r.now()) {
		return false, nil
	}
	return r.remove(ctx, id)
}
