package querylog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
)

// Service is the async query log writer. Emit is a non-blocking
// enqueue that drops on overflow; a background goroutine flushes
// batches to the Repo.
type Service struct {
	repo      *Repo
	queue     chan Row
	batchSize int
	interval  time.Duration
	log       *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the query log service.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService builds a Service around an opened Repo.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 1024
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan Row, queueSize),
		batchSize: batchSize,
		interval:  interval,
		log:       logging.Component("querylog"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop drains the queue, flushes, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Emit enqueues one decision. Ids and timestamps are assigned here so
// callers stay on their hot path.
func (s *Service) Emit(name, qtype, decision string) {
	row := Row{
		ID:       uuid.NewString(),
		TsNs:     time.Now().UnixNano(),
		Name:     name,
		Qtype:    qtype,
		Decision: decision,
	}
	select {
	case s.queue <- row:
	default:
	}
}

// Repo exposes the underlying repository for read access.
func (s *Service) Repo() *Repo {
	return s.repo
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Row, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Row) {
	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(rows []Row) {
	if n, err := s.repo.InsertBatch(rows); err != nil {
		s.log.WithError(err).WithField("rows", len(rows)).Warn("flush failed")
	} else if n > 0 {
		s.log.WithField("rows", n).Debug("flushed")
	}
}
