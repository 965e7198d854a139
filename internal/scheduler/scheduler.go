package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"appraisal/server/internal/coefficients"
)

// Refresher publishes a new coefficient snapshot
type Refresher interface {
	Refresh(ctx context.Context) (*coefficients.Snapshot, error)
}

// Scheduler refreshes the coefficient snapshot on a fixed interval
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
	logger    *logrus.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	jobMutex  sync.Mutex // ensures refreshes never overlap
	stopOnce  sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(refresher Refresher, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	timeout := interval
	if timeout <= 0 || timeout > time.Minute {
		timeout = time.Minute
	}

	return &Scheduler{
		refresher: refresher,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the periodic refreshes. A non-positive interval disables them.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		s.logger.Info("Snapshot refresh schedule disabled")
		return
	}
	s.wg.Add(1)
	go s.runScheduler()
}

func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce refreshes the snapshot now and logs the outcome
func (s *Scheduler) RunOnce() {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	snap, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled snapshot refresh failed")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"version":     snap.Version,
		"fingerprint": snap.Fingerprint,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Scheduled snapshot refresh completed")
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
