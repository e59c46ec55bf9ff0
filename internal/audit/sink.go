// Package audit writes committed cell edits to the durable change log.
// Writes are best effort: one attempt each, off the broadcast path, and a
// failure is only ever logged.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/collab"
	"github.com/manpreetbhatti/cellsync/internal/metrics"
	"github.com/manpreetbhatti/cellsync/internal/store"
)

const ActionCellEdit = "CELL_EDIT"

var (
	ErrQueueFull = errors.New("audit queue full")
	ErrStopped   = errors.New("audit sink stopped")
)

// Store is the slice of the durable store the sink needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	AppendChangeLog(ctx context.Context, e store.ChangeLogAppend) (int64, error)
}

type Config struct {
	QueueSize int
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}
}

type Sink struct {
	store  Store
	config Config
	queue  chan collab.CellEdit
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Held shared by enqueue and exclusively while closing stop, so no
	// edit can land in the queue after the worker's final drain.
	mu      sync.RWMutex
	stopped bool
}

func New(s Store, config Config) *Sink {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Sink{
		store:  s,
		config: config,
		queue:  make(chan collab.CellEdit, config.QueueSize),
		stop:   make(chan struct{}),
	}
}

func (s *Sink) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Int("queue", s.config.QueueSize).Dur("timeout", s.config.Timeout).Msg("Audit sink started")
}

// Stop flushes whatever is already queued and waits for the worker.
func (s *Sink) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.stop)
		s.mu.Unlock()
	})
	s.wg.Wait()
	log.Info().Msg("Audit sink stopped")
}

// Record queues an edit without blocking. A full queue drops the edit.
func (s *Sink) Record(edit collab.CellEdit) {
	if err := s.enqueue(edit); err != nil {
		metrics.RecordAudit(metrics.AuditDropped)
		log.Warn().Err(err).
			Str("document", edit.DocumentID).
			Int("row", edit.Row).
			Int("col", edit.Col).
			Msg("Dropping change log entry")
	}
}

func (s *Sink) enqueue(edit collab.CellEdit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return ErrStopped
	}

	select {
	case s.queue <- edit:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	for {
		select {
		case edit := <-s.queue:
			s.write(edit)
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case edit := <-s.queue:
			s.write(edit)
		default:
			return
		}
	}
}

func (s *Sink) write(edit collab.CellEdit) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordAudit(metrics.AuditFailed)
			log.Error().Interface("panic", r).Str("document", edit.DocumentID).Msg("Change log write panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	written, err := s.append(ctx, edit)
	switch {
	case err != nil:
		metrics.RecordAudit(metrics.AuditFailed)
		log.Error().Err(err).
			Str("document", edit.DocumentID).
			Str("user", edit.UserID).
			Msg("Failed to log cell change")
	case !written:
		metrics.RecordAudit(metrics.AuditSkipped)
	default:
		metrics.RecordAudit(metrics.AuditWritten)
	}
}

// Resolves the document and user and appends one change-log row. It
// reports false without error when either reference does not resolve.
func (s *Sink) append(ctx context.Context, edit collab.CellEdit) (bool, error) {
	doc, err := s.store.GetDocument(ctx, edit.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("document", edit.DocumentID).Msg("Skipping change log: unknown document")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	user, err := s.store.GetUser(ctx, edit.UserID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("user", edit.UserID).Msg("Skipping change log: unknown user")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	details, err := formulaDetails(edit.Formula)
	if err != nil {
		return false, err
	}

	row, col, value := edit.Row, edit.Col, edit.NewValue
	_, err = s.store.AppendChangeLog(ctx, store.ChangeLogAppend{
		DocumentID: doc.ID,
		UserID:     user.ID,
		Action:     ActionCellEdit,
		Row:        &row,
		Col:        &col,
		NewValue:   &value,
		Details:    details,
		At:         edit.At,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func formulaDetails(formula string) (*string, error) {
	if formula == "" {
		return nil, nil
	}
	data, err := json.Marshal(map[string]string{"formula": formula})
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	details := string(data)
	return &details, nil
}
