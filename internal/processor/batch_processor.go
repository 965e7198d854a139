package processor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"appraisal/server/config"
	"appraisal/server/internal/database"
	"appraisal/server/internal/models"
	"appraisal/server/internal/queue"
)

// Transactor runs fc inside a database transaction; *gorm.DB satisfies it
type Transactor interface {
	Transaction(fc func(*gorm.DB) error, opts ...*sql.TxOptions) error
}

// BatchProcessor accumulates valuation audit runs and writes them in batches
type BatchProcessor struct {
	db        Transactor
	logger    *logrus.Logger
	config    *config.Config
	queue     *queue.RunQueue
	waitGroup sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	pending   []*models.ValuationRun
	started   bool
	sleep     func(time.Duration)
}

// NewBatchProcessor creates a new batch processor instance
func NewBatchProcessor(db Transactor, queue *queue.RunQueue, config *config.Config, logger *logrus.Logger) *BatchProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchProcessor{
		db:     db,
		queue:  queue,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		sleep:  time.Sleep,
	}
}

// Start subscribes to the queue and begins the periodic flush of partial batches
func (p *BatchProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.queue.Subscribe(p.processBatch)
	p.queue.Start()

	if wait := p.config.BatchProcessing.MaxBatchWaitTime; wait > 0 {
		p.waitGroup.Add(1)
		go p.flushLoop(time.Duration(wait) * time.Second)
	}
}

// Stop flushes the pending runs, waits for the queue to drain and shuts down
func (p *BatchProcessor) Stop() {
	p.cancel()
	p.waitGroup.Wait()
	p.logger.WithFields(logrus.Fields{
		"pending_runs":   p.pendingRuns(),
		"queued_batches": p.queue.Len(),
	}).Info("Flushing valuation runs before shutdown")
	p.Flush()
	p.queue.Close()
}

func (p *BatchProcessor) flushLoop(interval time.Duration) {
	defer p.waitGroup.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}

// Record adds one run to the pending batch and hands the batch to the queue
// once it is full. Runs recorded after Stop are dropped.
func (p *BatchProcessor) Record(run *models.ValuationRun) {
	if p.queue.IsClosed() {
		p.logger.WithField("run_id", run.ID).Warn("Audit queue closed, dropping valuation run")
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, run)
	full := len(p.pending) >= p.config.BatchProcessing.MaxBatchSize
	p.mu.Unlock()

	if full {
		p.Flush()
	}
}

// Flush hands the pending runs to the queue. Runs that do not fit are dropped
// and logged; auditing never blocks a valuation.
func (p *BatchProcessor) Flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := p.queue.Push(batch); err != nil {
		p.logger.WithError(err).WithField("batch_size", len(batch)).Warn("Dropping valuation runs")
	}
}

// pendingRuns returns the number of runs not yet handed to the queue
func (p *BatchProcessor) pendingRuns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// processBatch writes one batch with transaction and retry logic
func (p *BatchProcessor) processBatch(batch []*models.ValuationRun) error {
	var err error
	for attempt := 0; attempt <= p.config.BatchProcessing.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying batch processing, attempt %d of %d", attempt, p.config.BatchProcessing.MaxRetries)
			p.sleep(time.Duration(p.config.BatchProcessing.RetryDelay) * time.Second)
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			return database.InsertValuationRuns(tx, batch)
		})

		if err == nil {
			p.logger.Infof("Successfully processed batch of %d valuation runs", len(batch))
			return nil
		}

		p.logger.Errorf("Batch processing failed: %v", err)
	}

	return fmt.Errorf("failed to process batch after %d attempts: %w", p.config.BatchProcessing.MaxRetries+1, err)
}
