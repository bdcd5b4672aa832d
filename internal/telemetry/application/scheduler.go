package application

import (
	"context"
	"errors"
	"log"
	"time"
)

// Scheduler forces periodic buffer flushes so records never wait longer
// than the flush timeout, even when the size threshold is not reached.
type Scheduler struct {
	buffer   *Buffer
	interval time.Duration
	logger   *log.Logger
}

// NewScheduler constructs a scheduler ticking at half the buffer's flush
// timeout, bounding the added latency.
func NewScheduler(buffer *Buffer, logger *log.Logger) (*Scheduler, error) {
	if buffer == nil {
		return nil, errors.New("scheduler: nil buffer")
	}
	if logger == nil {
		logger = log.Default()
	}
	interval := buffer.flushTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Scheduler{buffer: buffer, interval: interval, logger: logger}, nil
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Printf("flush scheduler started (interval %s)", s.interval)
	for {
		select {
		case <-ticker.C:
			s.buffer.MaybeFlush(ctx)
		case <-ctx.Done():
			s.logger.Printf("flush scheduler stopped")
			return
		}
	}
}
