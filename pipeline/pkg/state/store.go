package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/zeebo/xxh3"
)

const defaultShards = 32

type StoreConfig struct {
	Entity string
	Shards int
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Entity == "" {
		return errors.New("entity is required")
	}
	if cfg.Shards < 0 {
		return errors.New("shards must not be negative")
	}
	if cfg.Shards == 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the current-state table for one entity. Keys are spread over
// shards by xxh3 hash; each shard has its own lock. Readers always observe a
// complete *cdc.EntityState because states are replaced, never edited.
type Store struct {
	entity string
	seq    *cdc.Sequencer
	shards []*shard
}

type shard struct {
	mu   sync.RWMutex
	rows map[string]*cdc.EntityState
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		entity: cfg.Entity,
		seq:    cdc.NewSequencer(cfg.Clock),
		shards: make([]*shard, cfg.Shards),
	}
	for i := range s.shards {
		s.shards[i] = &shard{rows: make(map[string]*cdc.EntityState)}
	}
	return s, nil
}

func (s *Store) Entity() string {
	return s.entity
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxh3.HashString(key)%uint64(len(s.shards))]
}

func (s *Store) Get(key string) (*cdc.EntityState, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	st, ok := sh.rows[key]
	sh.mu.RUnlock()
	return st, ok
}

// Put overwrites the state for key unconditionally.
func (s *Store) Put(key string, st *cdc.EntityState) {
	if st == nil {
		return
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.rows[key] = st
	sh.mu.Unlock()
}

// Apply runs the sequencer against the stored state and writes the result
// when it is Updated. The read-decide-write happens under the shard lock.
func (s *Store) Apply(ev cdc.ChangeEvent) (cdc.Result, error) {
	sh := s.shardFor(ev.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	res, err := s.seq.Apply(sh.rows[ev.Key], ev)
	if err != nil {
		return cdc.Result{}, err
	}
	if res.Outcome == cdc.Updated {
		sh.rows[ev.Key] = res.State
	}
	return res, nil
}

// Commit stores each state unless the store already holds a state with an
// equal or higher sequence value. It returns how many states were written.
func (s *Store) Commit(states []*cdc.EntityState) (int, error) {
	written := 0
	for _, st := range states {
		if st == nil {
			continue
		}
		sh := s.shardFor(st.Key)
		sh.mu.Lock()
		cur, ok := sh.rows[st.Key]
		if ok {
			c, err := record.Compare(st.Seq, cur.Seq)
			if err != nil {
				sh.mu.Unlock()
				return written, fmt.Errorf("failed to compare sequence for %s/%s: %w", s.entity, st.Key, err)
			}
			if c <= 0 {
				sh.mu.Unlock()
				continue
			}
		}
		sh.rows[st.Key] = st
		sh.mu.Unlock()
		written++
	}
	return written, nil
}

// Snapshot returns every state, ordered by key. All shard read locks are held
// together so the result is a single point in time.
func (s *Store) Snapshot() []*cdc.EntityState {
	for _, sh := range s.shards {
		sh.mu.RLock()
	}
	n := 0
	for _, sh := range s.shards {
		n += len(sh.rows)
	}
	out := make([]*cdc.EntityState, 0, n)
	for _, sh := range s.shards {
		for _, st := range sh.rows {
			out = append(out, st)
		}
	}
	for _, sh := range s.shards {
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *cdc.EntityState) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.rows)
		sh.mu.RUnlock()
	}
	return n
}

// Overlay stages sequencer decisions for a batch without touching the store.
// Later events in the batch see earlier staged results. Pending returns the
// final staged state per key, which callers persist downstream before Commit.
type Overlay struct {
	store   *Store
	pending map[string]*cdc.EntityState
	order   []string
}

func (s *Store) Overlay() *Overlay {
	return &Overlay{store: s, pending: make(map[string]*cdc.EntityState)}
}

func (o *Overlay) Get(key string) (*cdc.EntityState, bool) {
	if st, ok := o.pending[key]; ok {
		return st, true
	}
	return o.store.Get(key)
}

func (o *Overlay) Apply(ev cdc.ChangeEvent) (cdc.Result, error) {
	cur, _ := o.Get(ev.Key)
	res, err := o.store.seq.Apply(cur, ev)
	if err != nil {
		return cdc.Result{}, err
	}
	if res.Outcome == cdc.Updated {
		if _, seen := o.pending[ev.Key]; !seen {
			o.order = append(o.order, ev.Key)
		}
		o.pending[ev.Key] = res.State
	}
	return res, nil
}

// Pending returns the staged states in first-touched order.
func (o *Overlay) Pending() []*cdc.EntityState {
	out := make([]*cdc.EntityState, 0, len(o.order))
	for _, k := range o.order {
		out = append(out, o.pending[k])
	}
	return out
}

func (o *Overlay) Commit() (int, error) {
	return o.store.Commit(o.Pending())
}
