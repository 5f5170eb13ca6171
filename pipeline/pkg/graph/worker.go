package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/alert"
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/metrics"
	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
	"golang.org/x/sync/errgroup"
)

// worker drives one staging stream and everything downstream of it. A
// reader goroutine fills a bounded queue; the applier drains it in order.
type worker struct {
	g     *Graph
	log   *slog.Logger
	root  *node
	nodes []*node
	waits []*worker

	cursor     string
	lastReplay time.Time

	readyOnce sync.Once
	readyCh   chan struct{}
}

func newWorker(g *Graph, root *node) *worker {
	w := &worker{
		g:       g,
		log:     g.log.With("stream", root.spec.Name),
		root:    root,
		readyCh: make(chan struct{}),
	}
	queue := []*node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		w.nodes = append(w.nodes, n)
		queue = append(queue, n.children...)
	}
	return w
}

func (w *worker) name() string {
	return w.root.spec.Name
}

func (w *worker) Ready() bool {
	select {
	case <-w.readyCh:
		return true
	default:
		return false
	}
}

func (w *worker) markReady() {
	w.readyOnce.Do(func() {
		w.log.Info("graph: stream ready", "cursor", w.cursor)
		close(w.readyCh)
	})
}

func (w *worker) run(ctx context.Context) error {
	if w.root.rewind {
		w.log.Info("graph: rewinding stream, saved checkpoint ignored")
	} else {
		err := w.retry(ctx, "checkpoint_load", func(ctx context.Context) error {
			cursor, err := w.g.cfg.Checkpoints.Load(ctx, w.name())
			if err != nil {
				return err
			}
			w.cursor = cursor
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	w.root.stats.setCursor(w.cursor, time.Time{})
	w.log.Info("graph: worker starting", "cursor", w.cursor, "waits", len(w.waits))

	for _, dep := range w.waits {
		select {
		case <-dep.readyCh:
		case <-ctx.Done():
			return nil
		}
	}

	queue := make(chan source.Batch, w.g.cfg.QueueSize)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(queue)
		w.read(readCtx, w.cursor, queue)
		return nil
	})

	err := w.apply(ctx, queue)
	stopReading()
	for range queue {
	}
	_ = eg.Wait()
	metrics.QueueDepth.WithLabelValues(w.name()).Set(0)
	return err
}

// read pulls batches from the source until ctx ends. Read failures are
// retried from the same cursor; nothing has been applied, so nothing is lost.
func (w *worker) read(ctx context.Context, cursor string, out chan<- source.Batch) {
	cfg := w.g.cfg
	failures := 0
	for {
		b, err := w.root.spec.Source.Read(ctx, cursor, cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.root.stats.errors.Add(1)
			metrics.CyclesTotal.WithLabelValues(w.name(), "read_error").Inc()
			delay := w.backoff(failures)
			w.log.Warn("graph: source read failed", "cursor", cursor, "attempt", failures, "retry_in", delay.String(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-cfg.Clock.After(delay):
			}
			continue
		}
		failures = 0
		if b.Next == "" {
			b.Next = cursor
		}

		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
		metrics.QueueDepth.WithLabelValues(w.name()).Set(float64(len(out)))
		cursor = b.Next

		if b.CaughtUp {
			select {
			case <-ctx.Done():
				return
			case <-cfg.Clock.After(cfg.PollInterval):
			}
		}
	}
}

func (w *worker) apply(ctx context.Context, in <-chan source.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-in:
			if !ok {
				return nil
			}
			metrics.QueueDepth.WithLabelValues(w.name()).Set(float64(len(in)))

			if err := w.retry(ctx, "batch", func(ctx context.Context) error {
				return w.process(ctx, b)
			}); err != nil {
				if ctx.Err() != nil {
					w.log.Warn("graph: abandoning in-flight batch on shutdown", "cursor", w.cursor, "error", err)
					return nil
				}
				return err
			}
			if b.CaughtUp {
				w.markReady()
			}
			w.maybeReplay(ctx)
		}
	}
}

// retry runs fn until it succeeds, the retry budget is spent or ctx ends.
// Each attempt runs to completion even if ctx ends while it is in flight,
// bounded by the shutdown timeout.
func (w *worker) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	cfg := w.g.cfg
	for attempt := 1; ; attempt++ {
		err := w.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		err = storageErr(w.name(), op, err)
		w.root.stats.errors.Add(1)
		cfg.Alerts.Report(context.WithoutCancel(ctx), alert.Alert{
			Stream:  w.name(),
			Op:      op,
			Err:     err,
			Attempt: attempt,
			Time:    cfg.Clock.Now(),
		})

		if cfg.MaxRetries > 0 && attempt > cfg.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if ctx.Err() != nil {
			return err
		}
		delay := w.backoff(attempt)
		w.log.Warn("graph: retrying", "op", op, "attempt", attempt, "retry_in", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-cfg.Clock.After(delay):
		}
	}
}

// attempt wraps fn with panic recovery so a bad record cannot kill the worker.
func (w *worker) attempt(ctx context.Context, fn func(context.Context) error) (err error) {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.g.cfg.ShutdownTimeout, cancel)
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("graph: batch panicked", "panic", r)
			metrics.CyclesTotal.WithLabelValues(w.name(), "panic").Inc()
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	return fn(workCtx)
}

func (w *worker) backoff(attempt int) time.Duration {
	cfg := w.g.cfg
	d := cfg.RetryBackoff
	for i := 1; i < attempt && d < cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, cfg.MaxRetryBackoff)
}

// unit collects one batch's effects. Sinks are written while routing; store
// commits, counters and the checkpoint only follow once every sink succeeded.
type unit struct {
	commits []func() error
	tallies map[*node]*tally
}

func (u *unit) tally(n *node) *tally {
	t, ok := u.tallies[n]
	if !ok {
		t = &tally{}
		u.tallies[n] = t
	}
	return t
}

func (w *worker) process(ctx context.Context, b source.Batch) error {
	start := w.g.cfg.Clock.Now()
	u := &unit{tallies: make(map[*node]*tally)}
	if b.Skipped > 0 {
		t := u.tally(w.root)
		t.read += int64(b.Skipped)
		t.rejected += int64(b.Skipped)
		w.log.Warn("graph: source skipped undecodable input", "skipped", b.Skipped, "cursor", b.Next)
	}

	if err := w.route(ctx, w.root, b.Records, u); err != nil {
		metrics.CyclesTotal.WithLabelValues(w.name(), "error").Inc()
		return err
	}
	for _, commit := range u.commits {
		if err := commit(); err != nil {
			metrics.CyclesTotal.WithLabelValues(w.name(), "error").Inc()
			return storageErr(w.name(), "commit", err)
		}
	}
	if b.Next != w.cursor {
		if err := w.g.cfg.Checkpoints.Save(ctx, w.name(), b.Next); err != nil {
			metrics.CyclesTotal.WithLabelValues(w.name(), "error").Inc()
			return storageErr(w.name(), "checkpoint_save", err)
		}
		metrics.CheckpointAdvancesTotal.WithLabelValues(w.name()).Inc()
		w.cursor = b.Next
	}

	now := w.g.cfg.Clock.Now()
	w.root.stats.setCursor(w.cursor, now)
	w.publish(u)
	metrics.CyclesTotal.WithLabelValues(w.name(), "success").Inc()
	metrics.CycleDuration.WithLabelValues(w.name()).Observe(now.Sub(start).Seconds())
	if len(b.Records) > 0 {
		w.log.Debug("graph: batch applied", "records", len(b.Records), "cursor", w.cursor, "duration", now.Sub(start).String())
	}
	return nil
}

func (w *worker) publish(u *unit) {
	for n, t := range u.tallies {
		n.stats.add(t)
		name := n.spec.Name
		for outcome, v := range map[string]int64{
			metrics.OutcomeAccepted:  t.accepted,
			metrics.OutcomeRejected:  t.rejected,
			metrics.OutcomeApplied:   t.applied,
			metrics.OutcomeStale:     t.stale,
			metrics.OutcomeJoined:    t.joined,
			metrics.OutcomeUnmatched: t.unmatched,
			metrics.OutcomeReplayed:  t.replayed,
			metrics.OutcomeEvicted:   t.evicted,
		} {
			if v > 0 {
				metrics.RecordsTotal.WithLabelValues(name, outcome).Add(float64(v))
			}
		}
		for rule, v := range t.violations {
			metrics.RuleViolationsTotal.WithLabelValues(name, rule).Add(float64(v))
		}
	}
	for _, n := range w.nodes {
		if n.spec.Kind == KindState {
			metrics.StateRows.WithLabelValues(n.spec.Store.Entity()).Set(float64(n.spec.Store.Len()))
		}
	}
}

// route runs recs through n and on to its children.
func (w *worker) route(ctx context.Context, n *node, recs []record.Record, u *unit) error {
	spec := &n.spec
	t := u.tally(n)
	var out []record.Record

	switch spec.Kind {
	case KindStaging:
		t.read += int64(len(recs))
		out = make([]record.Record, 0, len(recs))
		for _, r := range recs {
			out = append(out, spec.Transform.Apply(r))
		}

	case KindValidated:
		out = make([]record.Record, 0, len(recs))
		for _, r := range recs {
			v := spec.Rules.Validate(r)
			if !v.Accepted {
				t.rejected++
				if t.violations == nil {
					t.violations = make(map[string]int64)
				}
				t.violations[v.Rule]++
				continue
			}
			out = append(out, r)
		}
		t.accepted += int64(len(out))
		if spec.Sink != nil && len(out) > 0 {
			if err := spec.Sink.Append(ctx, out); err != nil {
				return storageErr(spec.Name, "append", err)
			}
			t.written += int64(len(out))
		}

	case KindState:
		return w.sequence(ctx, n, recs, u)

	case KindJoined:
		return w.join(ctx, n, recs, t)
	}

	for _, c := range n.children {
		if err := w.route(ctx, c, out, u); err != nil {
			return err
		}
	}
	return nil
}

// sequence stages every event in an overlay, upserts the changed states and
// leaves the store commit to the end of the batch.
func (w *worker) sequence(ctx context.Context, n *node, recs []record.Record, u *unit) error {
	spec := &n.spec
	t := u.tally(n)
	ov := spec.Store.Overlay()
	for _, r := range recs {
		ev, err := cdc.EventFromRecord(spec.Schema, r)
		if err != nil {
			t.rejected++
			w.log.Debug("graph: change event rejected", "target", spec.Name, "error", err)
			continue
		}
		res, err := ov.Apply(ev)
		if err != nil {
			t.rejected++
			w.log.Debug("graph: change event rejected", "target", spec.Name, "key", ev.Key, "error", err)
			continue
		}
		switch res.Outcome {
		case cdc.Updated:
			t.applied++
		case cdc.Superseded:
			t.stale++
		}
	}

	pending := ov.Pending()
	if spec.DimensionSink != nil && len(pending) > 0 {
		if err := spec.DimensionSink.Upsert(ctx, pending); err != nil {
			return storageErr(spec.Name, "upsert", err)
		}
		t.written += int64(len(pending))
	}
	u.commits = append(u.commits, func() error {
		_, err := ov.Commit()
		return err
	})
	return nil
}

// join appends matched facts, parks unmatched ones and clears any parked
// copies of facts that matched on redelivery.
func (w *worker) join(ctx context.Context, n *node, recs []record.Record, t *tally) error {
	spec := &n.spec
	var (
		joined  []record.Record
		matched []string
	)
	for _, r := range recs {
		res := spec.Materializer.Join(r)
		if res.Matched {
			joined = append(joined, res.Record)
			if spec.Parking != nil {
				if key, ok := r.Key(spec.KeyField); ok {
					matched = append(matched, key)
				}
			}
			continue
		}
		t.unmatched++
		if spec.Parking == nil {
			continue
		}
		key, ok := r.Key(spec.KeyField)
		if !ok {
			t.evicted++
			continue
		}
		err := spec.Parking.Park(ctx, spec.Name, key, r, res.Missing)
		if errors.Is(err, parking.ErrFull) {
			t.evicted++
			w.log.Warn("graph: parking lot full, dropping unmatched fact", "target", spec.Name, "key", key, "missing", res.Missing)
			continue
		}
		if err != nil {
			return storageErr(spec.Name, "park", err)
		}
	}
	t.joined += int64(len(joined))

	if len(joined) > 0 {
		if err := spec.Sink.Append(ctx, joined); err != nil {
			return storageErr(spec.Name, "append", err)
		}
		t.written += int64(len(joined))
	}
	if len(matched) > 0 {
		if err := spec.Parking.Remove(ctx, spec.Name, matched...); err != nil {
			return storageErr(spec.Name, "unpark", err)
		}
	}
	return nil
}

func (w *worker) maybeReplay(ctx context.Context) {
	cfg := w.g.cfg
	if ctx.Err() != nil {
		return
	}
	if !w.lastReplay.IsZero() && cfg.Clock.Since(w.lastReplay) < cfg.ReplayInterval {
		return
	}
	w.lastReplay = cfg.Clock.Now()
	for _, n := range w.nodes {
		if n.spec.Kind != KindJoined || n.spec.Parking == nil {
			continue
		}
		if err := w.replay(ctx, n); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.root.stats.errors.Add(1)
			w.log.Error("graph: replay failed", "target", n.spec.Name, "error", err)
			cfg.Alerts.Report(context.WithoutCancel(ctx), alert.Alert{
				Stream: n.spec.Name,
				Op:     "replay",
				Err:    err,
				Time:   cfg.Clock.Now(),
			})
		}
	}
}

// replay retries the oldest parked facts against current state. Facts that
// keep failing are evicted after MaxParkAttempts.
func (w *worker) replay(ctx context.Context, n *node) error {
	spec := &n.spec
	cfg := w.g.cfg
	due, err := spec.Parking.Due(ctx, spec.Name, cfg.ReplayBatchSize)
	if err != nil {
		return storageErr(spec.Name, "parking_due", err)
	}

	t := &tally{}
	var (
		joined  []record.Record
		matched []string
		evict   []string
	)
	for _, e := range due {
		res := spec.Materializer.Join(e.Record)
		if res.Matched {
			joined = append(joined, res.Record)
			matched = append(matched, e.Key)
			continue
		}
		attempts, err := spec.Parking.Attempt(ctx, spec.Name, e.Key, res.Missing)
		if err != nil {
			return storageErr(spec.Name, "parking_attempt", err)
		}
		if attempts >= cfg.MaxParkAttempts {
			evict = append(evict, e.Key)
		}
	}

	if len(joined) > 0 {
		if err := spec.Sink.Append(ctx, joined); err != nil {
			return storageErr(spec.Name, "append", err)
		}
		if err := spec.Parking.Remove(ctx, spec.Name, matched...); err != nil {
			return storageErr(spec.Name, "unpark", err)
		}
		t.replayed = int64(len(joined))
		t.written = int64(len(joined))
	}
	if len(evict) > 0 {
		if err := spec.Parking.Remove(ctx, spec.Name, evict...); err != nil {
			return storageErr(spec.Name, "evict", err)
		}
		t.evicted = int64(len(evict))
		w.log.Warn("graph: evicted parked facts", "target", spec.Name, "count", len(evict), "max_attempts", cfg.MaxParkAttempts)
	}
	w.publish(&unit{tallies: map[*node]*tally{n: t}})

	if left, err := spec.Parking.Len(ctx, spec.Name); err == nil {
		metrics.ParkedFacts.WithLabelValues(spec.Name).Set(float64(left))
	}
	if len(joined) > 0 {
		w.log.Info("graph: replayed parked facts", "target", spec.Name, "joined", len(joined), "due", len(due))
	}
	return nil
}
