package csr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/memory"
)

// hwBackend hands submissions to the device's execution queue and returns
// immediately. The engine retires them in order and reports progress only
// through the completion tag.
type hwBackend struct {
	exec  *executor
	queue chan *Submission
	done  chan struct{}

	// submitMu orders Submit against Close; mu guards hungAt, which the
	// engine goroutine writes
	submitMu sync.Mutex
	closed   bool
	mu       sync.Mutex
	hungAt   uint32

	log *logrus.Entry
}

// NewHardwareBackend starts an engine with room for depth queued
// submissions.
func NewHardwareBackend(depth int) Backend {
	if depth <= 0 {
		depth = 1
	}
	b := &hwBackend{
		exec:  newExecutor(),
		queue: make(chan *Submission, depth),
		done:  make(chan struct{}),
		log:   logging.WithComponent("hw"),
	}
	go b.engine()
	return b
}

func (b *hwBackend) Kind() BackendKind    { return BackendHardware }
func (b *hwBackend) CapturesMemory() bool { return false }

func (b *hwBackend) MakeResident(a *memory.GraphicsAllocation, osContext uint32) error {
	if b.exec.mapAllocation(a) {
		b.log.WithField("alloc", a.String()).Debug("paged in")
	}
	return nil
}

func (b *hwBackend) Evict(a *memory.GraphicsAllocation) {
	b.exec.unmapAllocation(a)
}

func (b *hwBackend) Submit(sub *Submission) error {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.mu.Lock()
	hung := b.hungAt != 0
	b.mu.Unlock()
	if hung {
		return ErrGPUHang
	}
	b.queue <- sub
	return nil
}

func (b *hwBackend) engine() {
	defer close(b.done)
	for sub := range b.queue {
		// faults are recorded in hungAt and surface through Hung
		_ = simulateSubmission(b.exec, sub, &b.mu, &b.hungAt, b.log)
	}
}

func (b *hwBackend) Hung(taskCount uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hungAt != 0 && b.hungAt <= taskCount
}

// Close waits for queued submissions to retire.
func (b *hwBackend) Close() error {
	b.submitMu.Lock()
	if b.closed {
		b.submitMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.submitMu.Unlock()
	<-b.done
	return nil
}
