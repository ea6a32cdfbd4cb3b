package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// index is the write side of Meili, narrowed so tests can observe it.
type index interface {
	Searcher
	IndexTodos([]TodoRecord) error
	IndexMessages([]MessageRecord) error
	DeleteTodo(id string) error
	DeleteMessage(id string) error
}

type loader interface {
	LoadAllRecords(ctx context.Context) ([]TodoRecord, []MessageRecord, error)
}

// writeQueueSize bounds index writes waiting for the worker; senders block when it is full.
const writeQueueSize = 256

// write is one index mutation. deleted is set for deletes so a dropped one
// can be replayed; dropped upserts are covered by the next reindex.
type write struct {
	what    string
	id      string
	deleted ResultType
	fn      func() error
}

// Service tries Meilisearch first and falls back to the Postgres searcher.
// Index writes are applied in order by a single worker. Writes that cannot
// reach Meilisearch mark the index stale; the next recovery replays dropped
// deletes and reindexes from Postgres.
type Service struct {
	primary  index
	fallback Searcher

	// writes is nil when writes run inline.
	writes    chan write
	reindex   chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	stale          bool
	pendingDeletes map[ResultType]map[string]struct{}
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if pgfts != nil {
		s.fallback = pgfts
	}
	if meili != nil {
		s.primary = meili
		s.start()
		meili.OnRecover(s.Reindex)
	}
	return s
}

func (s *Service) start() {
	s.writes = make(chan write, writeQueueSize)
	s.reindex = make(chan struct{}, 1)
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.work()
}

func (s *Service) work() {
	defer close(s.stopped)
	for {
		select {
		case w := <-s.writes:
			s.apply(w)
		case <-s.reindex:
			s.Recover(context.Background())
		case <-s.done:
			for {
				select {
				case w := <-s.writes:
					s.apply(w)
				default:
					return
				}
			}
		}
	}
}

// Close drains queued writes and stops the worker.
func (s *Service) Close() {
	if s.done == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
}

// Reindex marks the index stale and asks the worker to rebuild it from
// Postgres once Meilisearch is reachable. Without a worker it runs inline.
func (s *Service) Reindex() {
	s.markStale()
	if s.reindex == nil {
		s.Recover(context.Background())
		return
	}
	select {
	case s.reindex <- struct{}{}:
	default:
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("search: postgres fallback failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// run hands an index write to the worker, or applies it inline without one.
func (s *Service) run(w write) {
	if s.primary == nil {
		return
	}
	if s.writes == nil {
		s.apply(w)
		return
	}
	select {
	case s.writes <- w:
	case <-s.done:
		s.drop(w)
	}
}

func (s *Service) apply(w write) {
	if !s.primary.Healthy() {
		s.drop(w)
		return
	}
	if err := w.fn(); err != nil {
		log.Warn().Err(err).Str("id", w.id).Msgf("search: %s", w.what)
		s.drop(w)
	}
}

// drop records a write Meilisearch never saw.
func (s *Service) drop(w write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
	if w.deleted == "" {
		return
	}
	if s.pendingDeletes == nil {
		s.pendingDeletes = map[ResultType]map[string]struct{}{}
	}
	if s.pendingDeletes[w.deleted] == nil {
		s.pendingDeletes[w.deleted] = map[string]struct{}{}
	}
	s.pendingDeletes[w.deleted][w.id] = struct{}{}
}

func (s *Service) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Service) IndexTodo(t TodoRecord) {
	s.run(write{what: "index todo", id: t.ID, fn: func() error { return s.primary.IndexTodos([]TodoRecord{t}) }})
}

func (s *Service) IndexMessage(m MessageRecord) {
	s.run(write{what: "index message", id: m.ID, fn: func() error { return s.primary.IndexMessages([]MessageRecord{m}) }})
}

func (s *Service) DeleteTodo(id string) {
	s.run(write{what: "delete todo", id: id, deleted: ResultTodo, fn: func() error { return s.primary.DeleteTodo(id) }})
}

func (s *Service) DeleteMessage(id string) {
	s.run(write{what: "delete message", id: id, deleted: ResultMessage, fn: func() error { return s.primary.DeleteMessage(id) }})
}

// Recover brings a stale index back in line: dropped deletes are replayed,
// then every record is reindexed from Postgres. Anything that fails keeps
// the index stale for the next attempt.
func (s *Service) Recover(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.mu.Lock()
	stale, pending := s.stale, s.pendingDeletes
	s.stale, s.pendingDeletes = false, nil
	s.mu.Unlock()
	if !stale {
		return
	}

	for kind, ids := range pending {
		for id := range ids {
			del := s.primary.DeleteTodo
			what := "replay todo delete"
			if kind == ResultMessage {
				del, what = s.primary.DeleteMessage, "replay message delete"
			}
			if err := del(id); err != nil {
				log.Warn().Err(err).Str("id", id).Msgf("search: %s", what)
				s.drop(write{id: id, deleted: kind})
			}
		}
	}
	if err := s.reindexFromPG(ctx); err != nil {
		s.markStale()
	}
}

// ReindexAllFromPG pushes every todo and message from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	_ = s.reindexFromPG(ctx)
}

func (s *Service) reindexFromPG(ctx context.Context) error {
	src, ok := s.fallback.(loader)
	if !ok {
		return nil
	}
	todos, messages, err := src.LoadAllRecords(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("search: reindex load failed")
		return err
	}
	var failed error
	if err := s.primary.IndexTodos(todos); err != nil {
		log.Warn().Err(err).Msg("search: reindex todos")
		failed = err
	}
	if err := s.primary.IndexMessages(messages); err != nil {
		log.Warn().Err(err).Msg("search: reindex messages")
		failed = err
	}
	if failed != nil {
		return failed
	}
	log.Info().Int("todos", len(todos)).Int("messages", len(messages)).Msg("search: reindexed from postgres")
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
