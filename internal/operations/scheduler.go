package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"metrofleet/internal/infrastructure"
	"metrofleet/internal/partition"
)

// skippedMessage marks a Success record whose body was skipped
const skippedMessage = "skipped"

// Scheduler materializes assets. It owns all in-memory asset state; every
// transition happens under one mutex, while asset bodies run on a pool of
// worker goroutines outside of it.
type Scheduler struct {
	graph    *Graph
	calendar *partition.Calendar
	store    RecordStore
	cfg      Config
	logger   *slog.Logger
	tracer   *AssetTracer
	now      func() time.Time

	flight singleflight.Group

	mu         sync.Mutex
	listeners  []Listener
	states     map[key]*keyState
	queue      []key
	inflight   int // keys claimed by a worker or a Trigger caller
	running    int // bodies executing
	timers     map[key]*time.Timer
	idle       chan struct{}
	idleClosed bool
	wake       chan struct{}
	started    bool

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	wg        sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the span and metrics recorder
func WithTracer(t *AssetTracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithListener subscribes l to scheduler events
func WithListener(l Listener) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// NewScheduler creates a scheduler over a built graph
func NewScheduler(graph *Graph, calendar *partition.Calendar, store RecordStore, cfg Config, opts ...Option) *Scheduler {
	if store == nil {
		store = NewMemoryRecordStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		graph:      graph,
		calendar:   calendar,
		store:      store,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		tracer:     NewAssetTracer(nil),
		now:        time.Now,
		states:     make(map[key]*keyState),
		timers:     make(map[key]*time.Timer),
		idle:       idle,
		idleClosed: true,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = infrastructure.WithComponent(s.logger, "scheduler")
	return s
}

// Graph returns the asset graph
func (s *Scheduler) Graph() *Graph { return s.graph }

// Calendar returns the partition calendar
func (s *Scheduler) Calendar() *partition.Calendar { return s.calendar }

// Start restores state from the record store and launches the workers.
// Workers stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.hydrate(ctx); err != nil {
		return fmt.Errorf("restore scheduler state: %w", err)
	}

	s.stopWatch = context.AfterFunc(ctx, s.cancel)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("assets", len(s.graph.order)),
		slog.Int("max_attempts", s.cfg.RetryConfig.MaxAttempts))
	return nil
}

// Stop cancels pending retries, drops queued keys and waits for the
// workers. Bodies already running see their context cancelled; loads in
// progress finish their transaction.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	for _, k := range s.queue {
		if st, ok := s.states[k]; ok {
			st.queued = false
		}
	}
	s.queue = nil
	s.checkIdleLocked()
	s.mu.Unlock()

	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// hydrate seeds in-memory state from the latest persisted records
func (s *Scheduler) hydrate(ctx context.Context) error {
	records, err := s.store.Latest(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if _, ok := s.graph.Asset(rec.Asset); !ok {
			continue
		}
		st := s.stateLocked(key{rec.Asset, rec.Partition})
		if st.state != StateUnscheduled || st.queued {
			continue
		}
		switch rec.Status {
		case RecordSuccess:
			st.state = StateSuccess
		case RecordFailed:
			st.state = StateFailed
			st.lastErr = rec.Error
			st.lastKind = rec.ErrorKind
		default:
			// interrupted run; stays unscheduled
		}
		if rec.FinishedAt != nil {
			st.updatedAt = *rec.FinishedAt
		}
		restored++
	}
	if restored > 0 {
		s.logger.InfoContext(ctx, "scheduler state restored", slog.Int("keys", restored))
	}
	return nil
}

// Trigger materializes one key synchronously and returns its terminal
// record. Concurrent triggers of the same key share one execution. A key
// whose dependencies are not Success yields ErrDependencyUnsatisfied and
// no record.
func (s *Scheduler) Trigger(ctx context.Context, asset, partitionKey string) (*MaterializationRecord, error) {
	k, err := s.resolve(asset, partitionKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.stateLocked(k)
	if st.state == StateFailed {
		st.attempts = 0
		s.cancelTimerLocked(k)
	}
	s.inflight++
	s.markBusyLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.checkIdleLocked()
		s.mu.Unlock()
	}()

	ch := s.flight.DoChan(k.String(), func() (any, error) {
		return s.execute(k)
	})
	select {
	case res := <-ch:
		rec, _ := res.Val.(*MaterializationRecord)
		return rec, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue schedules keys for asynchronous materialization. Unpartitioned
// assets take no partitions. Keys that are already queued are coalesced;
// keys that are running are rerun once they finish.
func (s *Scheduler) Enqueue(asset string, partitions ...string) error {
	a, ok := s.graph.Asset(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	var keys []key
	if !a.Partitioned() {
		if len(partitions) > 0 {
			return fmt.Errorf("%w: asset %s is not partitioned", ErrInvalidPartition, asset)
		}
		keys = []key{{asset: asset}}
	} else {
		if len(partitions) == 0 {
			return fmt.Errorf("%w: asset %s requires at least one partition", ErrInvalidPartition, asset)
		}
		for _, p := range partitions {
			k, err := s.resolve(asset, p)
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if ev, ok := s.enqueueLocked(k, false); ok {
			s.emitLocked(ev)
		}
	}
	return nil
}

// Backfill enqueues every partition of asset from one key to another, both
// inclusive.
func (s *Scheduler) Backfill(asset, from, to string) (int, error) {
	a, ok := s.graph.Asset(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if !a.Partitioned() {
		return 0, fmt.Errorf("%w: asset %s is not partitioned", ErrInvalidPartition, asset)
	}

	parts, err := s.calendar.Range(from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPartition, err)
	}
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = p.Key
	}
	return len(keys), s.Enqueue(asset, keys...)
}

// WaitIdle blocks until nothing is queued, running or waiting for a retry.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.isIdleLocked() {
			s.mu.Unlock()
			return nil
		}
		ch := s.idle
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status reports the state of every partition of asset. For partitioned
// assets all calendar partitions up to now are listed.
func (s *Scheduler) Status(asset string) (AssetStatus, error) {
	a, ok := s.graph.Asset(asset)
	if !ok {
		return AssetStatus{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	out := AssetStatus{
		Asset:        asset,
		Partitioned:  a.Partitioned(),
		Dependencies: a.Dependencies(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !a.Partitioned() {
		out.Partitions = []PartitionStatus{s.peekLocked(key{asset: asset}).status("")}
		return out, nil
	}

	keys := make(map[string]bool)
	for _, p := range s.calendar.Enumerate(s.now()) {
		keys[p.Key] = true
	}
	for k := range s.states {
		if k.asset == asset {
			keys[k.partition] = true
		}
	}
	sorted := make([]string, 0, len(keys))
	for p := range keys {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	out.Partitions = make([]PartitionStatus, len(sorted))
	for i, p := range sorted {
		out.Partitions[i] = s.peekLocked(key{asset, p}).status(p)
	}
	return out, nil
}

// Summary returns per-asset state counts in topological order
func (s *Scheduler) Summary() []AssetSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAsset := make(map[string]*AssetSummary, len(s.graph.order))
	out := make([]AssetSummary, len(s.graph.order))
	for i, name := range s.graph.order {
		a := s.graph.assets[name]
		out[i] = AssetSummary{
			Asset:        name,
			Partitioned:  a.Partitioned(),
			Dependencies: a.Dependencies(),
			Counts:       make(map[State]int),
		}
		byAsset[name] = &out[i]
	}
	for k, st := range s.states {
		sum, ok := byAsset[k.asset]
		if !ok {
			continue
		}
		sum.Counts[st.state]++
		if st.queued {
			sum.Queued++
		}
	}
	return out
}

// Records lists the run log of an asset, newest first. An empty partition
// lists every partition.
func (s *Scheduler) Records(ctx context.Context, asset, partitionKey string, limit int) ([]MaterializationRecord, error) {
	if _, ok := s.graph.Asset(asset); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return s.store.List(ctx, RecordFilter{Asset: asset, Partition: partitionKey, Limit: limit})
}

// resolve validates an asset name and partition key
func (s *Scheduler) resolve(asset, partitionKey string) (key, error) {
	a, ok := s.graph.Asset(asset)
	if !ok {
		return key{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if !a.Partitioned() {
		if partitionKey != "" {
			return key{}, fmt.Errorf("%w: asset %s is not partitioned", ErrInvalidPartition, asset)
		}
		return key{asset: asset}, nil
	}
	if partitionKey == "" {
		return key{}, fmt.Errorf("%w: asset %s requires a partition", ErrInvalidPartition, asset)
	}
	if !s.calendar.Contains(partitionKey) {
		return key{}, fmt.Errorf("%w: %q", ErrInvalidPartition, partitionKey)
	}
	return key{asset: asset, partition: partitionKey}, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		k, ok := s.next()
		if !ok {
			return
		}

		if _, err := s.run(k); err != nil && errors.Is(err, ErrDependencyUnsatisfied) {
			s.logger.Debug("key not eligible", slog.String("key", k.String()), slog.String("reason", err.Error()))
		}

		s.mu.Lock()
		s.inflight--
		s.checkIdleLocked()
		s.mu.Unlock()
	}
}

// next blocks until a key is ready or the scheduler stops. The returned key
// counts as in flight.
func (s *Scheduler) next() (key, bool) {
	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return key{}, false
		}
		if len(s.queue) > 0 {
			k := s.popLocked()
			s.inflight++
			more := len(s.queue) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return k, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return key{}, false
		}
	}
}

// popLocked removes the queued key that comes first in topological order,
// oldest first among equals.
func (s *Scheduler) popLocked() key {
	best := 0
	for i := 1; i < len(s.queue); i++ {
		if s.graph.Position(s.queue[i].asset) < s.graph.Position(s.queue[best].asset) {
			best = i
		}
	}
	k := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return k
}

func (s *Scheduler) run(k key) (*MaterializationRecord, error) {
	v, err, _ := s.flight.Do(k.String(), func() (any, error) {
		return s.execute(k)
	})
	rec, _ := v.(*MaterializationRecord)
	return rec, err
}

// execute performs one gated run of k. It is only called through the
// single-flight group.
func (s *Scheduler) execute(k key) (*MaterializationRecord, error) {
	asset, _ := s.graph.Asset(k.asset)

	s.mu.Lock()
	st := s.stateLocked(k)
	s.dequeueLocked(k, st)
	if ok, reason := s.eligibleLocked(asset, k); !ok {
		st.reason = reason
		s.emitLocked(Event{Type: EventBlocked, Asset: k.asset, Partition: k.partition, Message: reason})
		s.mu.Unlock()
		return nil, &DependencyError{Asset: k.asset, Partition: k.partition, Reason: reason}
	}
	st.state = StateRunning
	st.reason = ""
	st.rerun = false
	st.attempts++
	st.updatedAt = s.now()
	attempt := st.attempts
	runID := infrastructure.NewRunID()
	s.running++
	s.markBusyLocked()
	s.emitLocked(Event{Type: EventStarted, Asset: k.asset, Partition: k.partition, RunID: runID, Attempt: attempt})
	s.mu.Unlock()

	rec, runErr := s.materialize(asset, k, runID, attempt)

	s.mu.Lock()
	s.running--
	s.settleLocked(k, st, rec, runErr)
	s.checkIdleLocked()
	s.mu.Unlock()

	return &rec, runErr
}

// materialize runs the body of asset for k and persists the pending and
// terminal records. A ModelUnavailable error is converted into a skipped
// success.
func (s *Scheduler) materialize(asset Asset, k key, runID string, attempt int) (MaterializationRecord, error) {
	started := s.now()
	rec := newRecord(runID, k.asset, k.partition, attempt, started)

	logger := s.logger.With(
		slog.String("asset", k.asset),
		slog.String("partition", k.partition),
		slog.String("run_id", runID),
		slog.Int("attempt", attempt))

	// records are written even while the scheduler is shutting down
	storeCtx := context.WithoutCancel(s.ctx)
	if err := s.store.Append(storeCtx, rec); err != nil {
		logger.Error("failed to persist pending record", slog.String("error", err.Error()))
	}

	run := RunContext{RunID: runID, Attempt: attempt, Logger: logger}
	if asset.Partitioned() {
		p, err := s.calendar.WindowFor(k.partition)
		if err != nil {
			return s.finish(storeCtx, logger, rec, Output{}, NewValidationError(err.Error()), started)
		}
		run.Partition = p
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AssetTimeout)
	defer cancel()
	ctx = infrastructure.WithRunID(ctx, runID)
	ctx, span := s.tracer.StartRun(ctx, k.asset, k.partition, runID, attempt)

	logger.InfoContext(ctx, "asset materialization started")
	out, err := runBody(ctx, asset, run)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && KindOf(err) == KindInternal {
		err = &OperationError{
			Kind:      KindInternal,
			Message:   fmt.Sprintf("asset exceeded timeout of %s", s.cfg.AssetTimeout),
			Cause:     err,
			Retryable: true,
		}
	}

	final, err := s.finish(storeCtx, logger, rec, out, err, started)
	s.tracer.EndRun(ctx, span, k.asset, final.Status, final.Rows, s.now().Sub(started), err)
	return final, err
}

// finish builds and persists the terminal record
func (s *Scheduler) finish(ctx context.Context, logger *slog.Logger, rec MaterializationRecord, out Output, err error, started time.Time) (MaterializationRecord, error) {
	var final MaterializationRecord
	switch {
	case err == nil:
		final = rec.finish(RecordSuccess, s.now())
		final.Rows = out.Rows
		final.Message = out.Message
		logger.InfoContext(ctx, "asset materialized",
			slog.Int64("rows", out.Rows),
			slog.Duration("duration", s.now().Sub(started)))
	case KindOf(err) == KindModelUnavailable:
		final = rec.finish(RecordSuccess, s.now())
		final.Message = skippedMessage
		logger.WarnContext(ctx, "asset skipped", slog.String("reason", err.Error()))
		err = nil
	default:
		opErr := attach(err, rec.Asset, rec.Partition)
		err = opErr
		final = rec.finish(RecordFailed, s.now())
		final.Error = opErr.Error()
		final.ErrorKind = opErr.Kind
		logger.ErrorContext(ctx, "asset materialization failed",
			slog.String("error_kind", string(opErr.Kind)),
			slog.Bool("retryable", opErr.Retryable),
			slog.String("error", opErr.Error()))
	}

	if perr := s.store.Append(ctx, final); perr != nil {
		logger.Error("failed to persist record", slog.String("status", string(final.Status)), slog.String("error", perr.Error()))
	}
	return final, err
}

func runBody(ctx context.Context, a Asset, run RunContext) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return a.Materialize(ctx, run)
}

// settleLocked applies the outcome of a run, queues what it unblocked and
// schedules automatic retries.
func (s *Scheduler) settleLocked(k key, st *keyState, rec MaterializationRecord, runErr error) {
	now := s.now()
	st.updatedAt = now
	base := Event{Asset: k.asset, Partition: k.partition, RunID: rec.RunID, Attempt: rec.Attempt, Time: now}

	if runErr == nil {
		st.state = StateSuccess
		st.attempts = 0
		st.lastErr = ""
		st.lastKind = ""
		st.retryAt = time.Time{}

		ev := base
		ev.Type = EventSucceeded
		if rec.Message == skippedMessage {
			ev.Type = EventSkipped
		}
		ev.Rows = rec.Rows
		ev.Message = rec.Message
		s.emitLocked(ev)
		s.triggerDependentsLocked(k)
	} else {
		st.state = StateFailed
		st.lastErr = runErr.Error()
		st.lastKind = KindOf(runErr)

		ev := base
		ev.Type = EventFailed
		ev.Error = rec.Error
		ev.ErrorKind = rec.ErrorKind
		s.emitLocked(ev)

		retry := s.cfg.RetryConfig
		if IsRetryable(runErr) && st.attempts < retry.MaxAttempts && !st.rerun && s.ctx.Err() == nil {
			delay := calculateRetryDelay(st.attempts, retry)
			s.scheduleRetryLocked(k, delay)
			st.retryAt = now.Add(delay)
			s.tracer.RecordRetry(context.Background(), k.asset, st.lastKind)

			rev := base
			rev.Type = EventRetry
			rev.RetryDelay = delay
			s.emitLocked(rev)
			s.logger.Warn("asset retry scheduled",
				slog.String("key", k.String()),
				slog.Int("attempt", st.attempts),
				slog.Int("max_attempts", retry.MaxAttempts),
				slog.Duration("delay", delay))
		}
	}

	if st.rerun {
		st.rerun = false
		if ev, ok := s.enqueueLocked(k, false); ok {
			s.emitLocked(ev)
		}
	}
}

// triggerDependentsLocked enqueues the dependents of k that became eligible
func (s *Scheduler) triggerDependentsLocked(k key) {
	upstream := s.graph.assets[k.asset]
	seen := make(map[key]bool)

	for _, e := range s.graph.edgesFrom(k.asset) {
		dep := s.graph.assets[e.dependent]

		var candidates []key
		switch {
		case !dep.Partitioned():
			candidates = []key{{asset: dep.Name()}}
		case upstream.Partitioned() && e.ref.Partition == "":
			candidates = []key{{asset: dep.Name(), partition: k.partition}}
		case upstream.Partitioned() && e.ref.Partition != k.partition:
			// pinned to another partition
		default:
			candidates = s.knownPartitionsLocked(dep.Name())
		}

		for _, c := range candidates {
			if seen[c] {
				continue
			}
			seen[c] = true

			cst := s.stateLocked(c)
			if ok, reason := s.eligibleLocked(dep, c); !ok {
				if cst.state != StateRunning {
					cst.reason = reason
				}
				continue
			}
			if ev, ok := s.enqueueLocked(c, false); ok {
				s.emitLocked(ev)
			}
		}
	}
}

// eligibleLocked reports whether every dependency of k is satisfied
func (s *Scheduler) eligibleLocked(a Asset, k key) (bool, string) {
	for _, ref := range a.Dependencies() {
		up := s.graph.assets[ref.Asset]
		var uk key
		switch {
		case up.Partitioned() && ref.Partition != "":
			uk = key{ref.Asset, ref.Partition}
		case up.Partitioned() && a.Partitioned():
			uk = key{ref.Asset, k.partition}
		case up.Partitioned():
			if ok, reason := s.wholeAssetReadyLocked(ref.Asset); !ok {
				return false, reason
			}
			continue
		default:
			uk = key{asset: ref.Asset}
		}
		if st := s.peekLocked(uk); st.state != StateSuccess {
			return false, fmt.Sprintf("%s is %s", uk, st.state)
		}
	}
	return true, ""
}

// wholeAssetReadyLocked is the rule for a whole-asset reference to a
// partitioned upstream: at least one partition succeeded and none is
// failed, running or queued.
func (s *Scheduler) wholeAssetReadyLocked(asset string) (bool, string) {
	success := 0
	for k, st := range s.states {
		if k.asset != asset {
			continue
		}
		switch {
		case st.queued:
			return false, fmt.Sprintf("%s is queued", k)
		case st.state == StateRunning:
			return false, fmt.Sprintf("%s is running", k)
		case st.state == StateFailed:
			return false, fmt.Sprintf("%s failed", k)
		case st.state == StateSuccess:
			success++
		}
	}
	if success == 0 {
		return false, fmt.Sprintf("%s has no successful partition", asset)
	}
	return true, ""
}

func (s *Scheduler) knownPartitionsLocked(asset string) []key {
	var out []key
	for k := range s.states {
		if k.asset == asset && k.partition != "" {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].partition < out[j].partition })
	return out
}

// enqueueLocked queues k. A running key is flagged for a rerun instead.
// retry marks an automatic retry, which keeps the attempt count.
func (s *Scheduler) enqueueLocked(k key, retry bool) (Event, bool) {
	if s.ctx.Err() != nil {
		return Event{}, false
	}
	st := s.stateLocked(k)
	if st.state == StateRunning {
		st.rerun = true
		return Event{}, false
	}
	if st.queued {
		return Event{}, false
	}
	if !retry {
		st.attempts = 0
		s.cancelTimerLocked(k)
	}
	if st.state == StateFailed {
		st.state = StateUnscheduled
	}
	st.queued = true
	st.reason = ""
	st.retryAt = time.Time{}
	s.queue = append(s.queue, k)
	s.markBusyLocked()
	s.signal()

	return Event{Type: EventQueued, Asset: k.asset, Partition: k.partition, Attempt: st.attempts + 1}, true
}

// dequeueLocked removes k from the ready queue if a Trigger got to it first
func (s *Scheduler) dequeueLocked(k key, st *keyState) {
	if !st.queued {
		return
	}
	st.queued = false
	for i, q := range s.queue {
		if q == k {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) scheduleRetryLocked(k key, delay time.Duration) {
	s.cancelTimerLocked(k)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[k] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, k)

		if st := s.stateLocked(k); st.state == StateFailed {
			if ev, ok := s.enqueueLocked(k, true); ok {
				s.emitLocked(ev)
			}
		}
		s.checkIdleLocked()
		s.mu.Unlock()
	})
	s.timers[k] = timer
	s.markBusyLocked()
}

func (s *Scheduler) cancelTimerLocked(k key) {
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
}

func (s *Scheduler) stateLocked(k key) *keyState {
	st, ok := s.states[k]
	if !ok {
		st = &keyState{state: StateUnscheduled}
		s.states[k] = st
	}
	return st
}

// peekLocked returns the state of k without creating an entry
func (s *Scheduler) peekLocked(k key) *keyState {
	if st, ok := s.states[k]; ok {
		return st
	}
	return &keyState{state: StateUnscheduled}
}

func (s *Scheduler) isIdleLocked() bool {
	return len(s.queue) == 0 && s.inflight == 0 && s.running == 0 && len(s.timers) == 0
}

func (s *Scheduler) markBusyLocked() {
	if s.idleClosed {
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
}

func (s *Scheduler) checkIdleLocked() {
	if !s.idleClosed && s.isIdleLocked() {
		close(s.idle)
		s.idleClosed = true
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emitLocked(e Event) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	for _, l := range s.listeners {
		l.OnEvent(e)
	}
}
