package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
	"cropcast-backend/internal/metrics"
	"cropcast-backend/internal/models"
)

// Config controls when recorded outcomes trigger a retrain
type Config struct {
	// Threshold is the number of outcomes needed before a retrain fires
	Threshold int
	// Delay is the quiet period after the last outcome. Zero fires immediately.
	Delay time.Duration
}

// DefaultConfig retrains after every outcome with no debounce
func DefaultConfig() Config {
	return Config{Threshold: 1, Delay: 0}
}

// Trainer is the retrain entry point. Ready reports ErrConcurrentTraining or
// ErrBackendNotReady when a retrain should be skipped.
type Trainer interface {
	Ready() error
	Retrain(ctx context.Context) error
}

// Scheduler counts outcomes and launches background retrains
type Scheduler struct {
	config  Config
	trainer Trainer
	log     *zap.SugaredLogger

	mu      sync.Mutex
	pending int
	timer   *time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Stop must be called to release background runs.
func New(config Config, trainer Trainer, log *zap.SugaredLogger) *Scheduler {
	if config.Threshold < 1 {
		config.Threshold = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  config,
		trainer: trainer,
		log:     logging.OrNop(log),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify records an outcome. Any pending timer is replaced; once the
// threshold is reached a retrain is scheduled after Delay. It never blocks on
// training and never returns an error to the caller.
func (s *Scheduler) Notify(outcome models.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.pending++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending < s.config.Threshold {
		s.log.Debugf("Scheduler: %d/%d outcomes pending", s.pending, s.config.Threshold)
		return
	}

	if s.config.Delay <= 0 {
		s.launch()
		return
	}
	s.timer = time.AfterFunc(s.config.Delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.timer = nil
		s.launch()
	})
}

// Pending returns the outcomes counted since the last trigger
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// launch must be called with mu held
func (s *Scheduler) launch() {
	count := s.pending
	s.pending = 0
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(count)
	}()
}

func (s *Scheduler) fire(outcomes int) {
	if err := s.trainer.Ready(); err != nil {
		decision := metrics.DecisionSkippedNotReady
		if errors.Is(err, models.ErrConcurrentTraining) {
			decision = metrics.DecisionSkippedTraining
		}
		metrics.RetrainTriggers.WithLabelValues(decision).Inc()
		s.log.Infof("Scheduler: retrain skipped after %d outcomes: %v", outcomes, err)
		return
	}

	metrics.RetrainTriggers.WithLabelValues(metrics.DecisionFired).Inc()
	s.log.Infof("Scheduler: retraining after %d new outcomes", outcomes)
	if err := s.trainer.Retrain(s.ctx); err != nil {
		// a run that started between Ready and Retrain is a skip, not a failure
		if errors.Is(err, models.ErrConcurrentTraining) {
			metrics.RetrainTriggers.WithLabelValues(metrics.DecisionSkippedTraining).Inc()
			s.log.Infof("Scheduler: retrain skipped: %v", err)
			return
		}
		metrics.RetrainTriggers.WithLabelValues(metrics.DecisionFailed).Inc()
		s.log.Errorf("Scheduler: background retrain failed: %v", err)
	}
}

// Stop cancels pending timers, interrupts running retrains and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
