package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Interval        time.Duration
	KeepPerDocument int
}

func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		KeepPerDocument: 10000,
	}
}

// Store is the slice of the change-log store the pruner needs.
type Store interface {
	DocumentIDsWithChangeLogs(ctx context.Context) ([]string, error)
	PruneChangeLogs(ctx context.Context, documentID string, keep int) (int64, error)
}

// Service periodically trims each document's change log to its newest
// KeepPerDocument entries. A non-positive KeepPerDocument disables pruning.
type Service struct {
	store  Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Enabled() bool {
	return s.config.Interval > 0 && s.config.KeepPerDocument > 0
}

func (s *Service) Start() {
	if !s.Enabled() {
		log.Info().Msg("Change-log retention disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	log.Info().
		Dur("interval", s.config.Interval).
		Int("keep", s.config.KeepPerDocument).
		Msg("Change-log retention started")
}

// Stop is safe to call whether or not Start ran.
func (s *Service) Stop() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			s.pruneAll(ctx)
			cancel()
		}
	}
}

func (s *Service) pruneAll(ctx context.Context) int64 {
	ids, err := s.store.DocumentIDsWithChangeLogs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retention: failed to list documents")
		return 0
	}

	var total int64
	for _, id := range ids {
		removed, err := s.store.PruneChangeLogs(ctx, id, s.config.KeepPerDocument)
		if err != nil {
			log.Error().Err(err).Str("document", id).Msg("Retention: prune failed")
			continue
		}
		total += removed
	}

	if total > 0 {
		log.Info().Int64("removed", total).Int("documents", len(ids)).Msg("Pruned change logs")
	}
	return total
}

// PruneNow runs one pass immediately and reports how many entries went.
func (s *Service) PruneNow(ctx context.Context) int64 {
	if s.config.KeepPerDocument <= 0 {
		return 0
	}
	return s.pruneAll(ctx)
}
