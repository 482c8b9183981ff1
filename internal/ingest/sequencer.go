package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoattend/internal/model"
)

// ErrStopped is returned by Submit once the sequencer has shut down.
var ErrStopped = eris.New("ingest: sequencer stopped")

// Handler processes one sample. It runs on the sample's partition goroutine.
type Handler func(ctx context.Context, s model.LocationSample)

// SequencerConfig sizes the partitioned work queue.
type SequencerConfig struct {
	// Partitions is the number of worker goroutines. Default: 16.
	Partitions int
	// QueueDepth is the per-partition channel capacity. Default: 256.
	QueueDepth int
	// BusyRetryAfter is the hint returned when a partition is full. Default: 1s.
	BusyRetryAfter time.Duration
}

// Sequencer routes each subject to one partition so a subject's samples are
// handled in arrival order while different subjects proceed in parallel.
type Sequencer struct {
	cfg        SequencerConfig
	handler    Handler
	partitions []chan model.LocationSample

	mu      sync.RWMutex
	stopped bool
}

// NewSequencer creates a Sequencer. Call Run to start the workers.
func NewSequencer(cfg SequencerConfig, handler Handler) *Sequencer {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.BusyRetryAfter <= 0 {
		cfg.BusyRetryAfter = time.Second
	}
	s := &Sequencer{cfg: cfg, handler: handler, partitions: make([]chan model.LocationSample, cfg.Partitions)}
	for i := range s.partitions {
		s.partitions[i] = make(chan model.LocationSample, cfg.QueueDepth)
	}
	return s
}

// Partition returns the partition index for a subject.
func (s *Sequencer) Partition(tenantID, subjectID string) int {
	return int(xxhash.Sum64String(tenantID+"\x00"+subjectID) % uint64(len(s.partitions)))
}

// Submit implements Submitter. It never blocks: a full partition yields a
// *RateLimited with Backpressure set.
func (s *Sequencer) Submit(sample model.LocationSample) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.partitions[s.Partition(sample.TenantID, sample.SubjectID)] <- sample:
		return nil
	default:
		return &RateLimited{SubjectID: sample.SubjectID, RetryAfter: s.cfg.BusyRetryAfter, Backpressure: true}
	}
}

// Depth returns the number of queued samples across partitions.
func (s *Sequencer) Depth() int {
	n := 0
	for _, p := range s.partitions {
		n += len(p)
	}
	return n
}

// Run starts one worker per partition and blocks until ctx is done. Samples
// already queued when ctx ends are processed before Run returns, using a
// context detached from ctx's cancellation.
func (s *Sequencer) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, ch := range s.partitions {
		g.Go(func() error {
			s.work(ctx, ch)
			return nil
		})
	}

	<-ctx.Done()
	s.mu.Lock()
	s.stopped = true
	for _, ch := range s.partitions {
		close(ch)
	}
	s.mu.Unlock()
	return g.Wait()
}

func (s *Sequencer) work(ctx context.Context, ch <-chan model.LocationSample) {
	drainCtx := context.WithoutCancel(ctx)
	for sample := range ch {
		s.handler(drainCtx, sample)
	}
}
