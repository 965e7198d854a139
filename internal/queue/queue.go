package queue

import (
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"appraisal/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// RunQueue is an in-memory queue of valuation audit batches
type RunQueue struct {
	items    chan []*models.ValuationRun
	done     chan struct{}
	stopped  chan struct{}
	maxSize  int
	closed   bool
	started  bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []func([]*models.ValuationRun) error
}

// NewRunQueue creates a queue holding at most bufferSize batches
func NewRunQueue(bufferSize int, logger *logrus.Logger) *RunQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &RunQueue{
		items:    make(chan []*models.ValuationRun, bufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]func([]*models.ValuationRun) error, 0),
	}
}

// Push adds a batch without blocking the caller
func (q *RunQueue) Push(runs []*models.ValuationRun) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- runs:
		q.logger.WithField("batch_size", len(runs)).Debug("Pushed batch to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler called for each batch
func (q *RunQueue) Subscribe(handler func([]*models.ValuationRun) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins delivering batches to the handlers. Calling it twice is a no-op.
func (q *RunQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.process()
}

func (q *RunQueue) process() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case batch := <-q.items:
			q.processBatch(batch)
		}
	}
}

// drain delivers the batches still buffered when the queue closed
func (q *RunQueue) drain() {
	for {
		select {
		case batch, ok := <-q.items:
			if !ok {
				return
			}
			q.processBatch(batch)
		default:
			return
		}
	}
}

func (q *RunQueue) processBatch(batch []*models.ValuationRun) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(batch); err != nil {
			q.logger.WithError(err).Error("Handler failed to process batch")
		}
	}
}

// Close stops accepting batches, delivers the buffered ones and waits for
// the delivery loop to finish
func (q *RunQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.done)
	q.mu.Unlock()

	if started {
		<-q.stopped
	}
	return nil
}

// Len returns the number of buffered batches
func (q *RunQueue) Len() int {
	return len(q.items)
}

func (q *RunQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
