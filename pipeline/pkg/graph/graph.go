// Package graph wires named streams into a STAGING → VALIDATED → STATE →
// JOINED dependency graph and drives one worker per staging stream, pulling
// from the stream's checkpoint and advancing it only after a batch has been
// fully applied.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/alert"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize       = 500
	defaultQueueSize       = 4
	defaultPollInterval    = time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultMaxRetryBackoff = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 1000
	defaultMaxParkAttempts = 100
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Checkpoints checkpoint.Store
	Alerts      alert.Reporter

	// BatchSize is the read limit passed to sources.
	BatchSize int
	// QueueSize bounds the batches read ahead of the applier. A full queue
	// blocks the reader.
	QueueSize    int
	PollInterval time.Duration

	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxRetries is how many times a failed batch is retried before the
	// graph stops with the error. Zero retries forever.
	MaxRetries int

	// ShutdownTimeout bounds how long an in-flight batch may keep running
	// after the graph is asked to stop.
	ShutdownTimeout time.Duration

	ReplayInterval  time.Duration
	ReplayBatchSize int
	// MaxParkAttempts is how many failed replays evict a parked fact.
	MaxParkAttempts int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Checkpoints == nil {
		return errors.New("checkpoint store is required")
	}
	if cfg.BatchSize < 0 {
		return errors.New("batch size must not be negative")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alert.NewLogReporter(cfg.Logger)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = defaultReplayInterval
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = defaultReplayBatchSize
	}
	if cfg.MaxParkAttempts <= 0 {
		cfg.MaxParkAttempts = defaultMaxParkAttempts
	}
	return nil
}

type node struct {
	spec     Stream
	children []*node
	root     *node
	stats    *counters
	// rewind makes the worker ignore the saved checkpoint of this root.
	rewind bool
}

type Graph struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	nodes   map[string]*node
	order   []string
	workers []*worker
	byRoot  map[string]*worker
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func New(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Graph{
		log:   cfg.Logger,
		cfg:   cfg,
		nodes: make(map[string]*node),
		done:  make(chan struct{}),
	}, nil
}

// Register adds a stream. Streams may be registered in any order; references
// between them are resolved by Start.
func (g *Graph) Register(s Stream) error {
	if err := s.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return configErr(s.Name, "graph already started")
	}
	if _, ok := g.nodes[s.Name]; ok {
		return configErr(s.Name, "duplicate stream name")
	}
	s.Reads = slices.Clone(s.Reads)
	g.nodes[s.Name] = &node{spec: s, stats: &counters{}}
	g.order = append(g.order, s.Name)
	return nil
}

// Rewind makes a staging stream read its source from the start on Start,
// ignoring its saved checkpoint. The checkpoint is overwritten by the first
// applied batch.
func (g *Graph) Rewind(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return configErr(name, "graph already started")
	}
	n, ok := g.nodes[name]
	if !ok {
		return configErr(name, "unknown stream")
	}
	if n.spec.Kind != KindStaging {
		return configErr(name, "only staging streams can be rewound")
	}
	n.rewind = true
	return nil
}

// build resolves upstream references, checks the topology and creates one
// worker per staging stream, ordered so that a worker follows the workers
// whose state it joins against.
func (g *Graph) build() error {
	if len(g.nodes) == 0 {
		return configErr("", "no streams registered")
	}

	for _, name := range g.order {
		n := g.nodes[name]
		if n.spec.Kind == KindStaging {
			continue
		}
		up, ok := g.nodes[n.spec.Upstream]
		if !ok {
			return configErr(name, "unknown upstream %q", n.spec.Upstream)
		}
		if up.spec.Kind != KindStaging && up.spec.Kind != KindValidated {
			return configErr(name, "upstream %q is a %s stream and cannot feed another stream", up.spec.Name, up.spec.Kind)
		}
		up.children = append(up.children, n)
	}

	for _, name := range g.order {
		n := g.nodes[name]
		seen := map[string]bool{}
		cur := n
		for cur.spec.Kind != KindStaging {
			if seen[cur.spec.Name] {
				return configErr(name, "upstream chain forms a cycle")
			}
			seen[cur.spec.Name] = true
			cur = g.nodes[cur.spec.Upstream]
		}
		n.root = cur
	}

	writers := map[any]string{}
	for _, name := range g.order {
		n := g.nodes[name]
		if n.spec.Kind != KindState {
			continue
		}
		if other, ok := writers[n.spec.Store]; ok {
			return configErr(name, "store for entity %q is already written by stream %q", n.spec.Store.Entity(), other)
		}
		writers[n.spec.Store] = name
	}

	deps := map[string][]string{}
	for _, name := range g.order {
		n := g.nodes[name]
		if n.spec.Kind != KindJoined {
			continue
		}
		for _, r := range n.spec.Reads {
			dim, ok := g.nodes[r]
			if !ok {
				return configErr(name, "unknown read stream %q", r)
			}
			if dim.spec.Kind != KindState {
				return configErr(name, "read stream %q is a %s stream, not a state stream", r, dim.spec.Kind)
			}
			if dim.root == n.root {
				return configErr(name, "read stream %q shares source %q with the join", r, n.root.spec.Name)
			}
			if !slices.Contains(deps[n.root.spec.Name], dim.root.spec.Name) {
				deps[n.root.spec.Name] = append(deps[n.root.spec.Name], dim.root.spec.Name)
			}
		}
	}

	roots, err := g.sortRoots(deps)
	if err != nil {
		return err
	}
	g.byRoot = make(map[string]*worker, len(roots))
	for _, root := range roots {
		w := newWorker(g, root)
		for _, d := range deps[root.spec.Name] {
			w.waits = append(w.waits, g.byRoot[d])
		}
		g.byRoot[root.spec.Name] = w
		g.workers = append(g.workers, w)
	}
	return nil
}

// sortRoots orders staging streams so every stream follows the streams it
// waits on.
func (g *Graph) sortRoots(deps map[string][]string) ([]*node, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	mark := map[string]int{}
	var out []*node
	var visit func(name string) error
	visit = func(name string) error {
		switch mark[name] {
		case visiting:
			return configErr(name, "join readiness dependencies form a cycle")
		case visited:
			return nil
		}
		mark[name] = visiting
		for _, d := range deps[name] {
			if err := visit(d); err != nil {
				return err
			}
		}
		mark[name] = visited
		out = append(out, g.nodes[name])
		return nil
	}
	for _, name := range g.order {
		if g.nodes[name].spec.Kind != KindStaging {
			continue
		}
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Start validates the graph and launches the workers. It returns once they
// are running; Done is closed when they have all stopped.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("graph already started")
	}
	if err := g.build(); err != nil {
		return err
	}
	g.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	for _, w := range g.workers {
		eg.Go(func() error {
			return w.run(egCtx)
		})
	}
	g.log.Info("graph: started", "streams", len(g.nodes), "workers", len(g.workers))

	go func() {
		err := eg.Wait()
		if err != nil {
			g.log.Error("graph: stopped with error", "error", err)
		} else {
			g.log.Info("graph: stopped")
		}
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		close(g.done)
	}()
	return nil
}

// Ready returns true once every staging stream has caught up at least once.
func (g *Graph) Ready() bool {
	g.mu.Lock()
	workers := g.workers
	g.mu.Unlock()
	if len(workers) == 0 {
		return false
	}
	for _, w := range workers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// WaitReady blocks until Ready would return true, the graph stops or ctx is
// cancelled.
func (g *Graph) WaitReady(ctx context.Context) error {
	g.mu.Lock()
	workers := g.workers
	g.mu.Unlock()
	if len(workers) == 0 {
		return errors.New("graph not started")
	}
	for _, w := range workers {
		select {
		case <-w.readyCh:
		case <-g.done:
			if err := g.Err(); err != nil {
				return fmt.Errorf("graph stopped before ready: %w", err)
			}
			return errors.New("graph stopped before ready")
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for stream %s: %w", w.root.spec.Name, ctx.Err())
		}
	}
	return nil
}

// StreamReady reports whether the staging stream feeding name has caught up.
func (g *Graph) StreamReady(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok || n.root == nil {
		return false
	}
	w, ok := g.byRoot[n.root.spec.Name]
	return ok && w.Ready()
}

// Stats returns a snapshot per stream in registration order.
func (g *Graph) Stats() []StreamStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]StreamStats, 0, len(g.order))
	for _, name := range g.order {
		n := g.nodes[name]
		s := StreamStats{
			Name:     name,
			Kind:     n.spec.Kind.String(),
			Upstream: n.spec.Upstream,
		}
		n.stats.snapshot(&s)
		if n.root != nil {
			if w, ok := g.byRoot[n.root.spec.Name]; ok {
				s.Ready = w.Ready()
			}
		}
		out = append(out, s)
	}
	return out
}

// Done is closed when every worker has stopped.
func (g *Graph) Done() <-chan struct{} {
	return g.done
}

// Err returns the error that stopped the graph, if any.
func (g *Graph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Close stops pulling, waits for in-flight batches to finish and returns the
// error that stopped the graph, if any.
func (g *Graph) Close() error {
	g.mu.Lock()
	started, cancel := g.started, g.cancel
	g.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-g.done
	return g.Err()
}
