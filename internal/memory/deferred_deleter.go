package memory

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/refcount"
)

// DeferredDeleter destroys objects on a single background goroutine so
// expensive teardown stays off driver entry points.
//
// The worker runs while at least one client is registered. The last
// RemoveClient stops it, but only after the queue has been drained.
// Objects deferred while no client is registered are deleted inline.
type DeferredDeleter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []refcount.Deletable
	inFlight int
	clients  int
	running  bool
	stopping bool
	done     chan struct{}
	deleted  uint64
	failures uint64
	log      *logrus.Entry
}

// NewDeferredDeleter creates an idle deleter
func NewDeferredDeleter() *DeferredDeleter {
	d := &DeferredDeleter{log: logging.WithComponent("deferred-deleter")}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// DeferDelete queues obj for destruction on the worker.
func (d *DeferredDeleter) DeferDelete(obj refcount.Deletable) {
	d.mu.Lock()
	if !d.running || d.stopping {
		d.mu.Unlock()
		ok := d.safeDelete(obj)
		d.mu.Lock()
		if ok {
			d.deleted++
		} else {
			d.failures++
		}
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, obj)
	d.mu.Unlock()
	d.cond.Broadcast()
}

// AddClient registers a user of the deleter, starting the worker if needed.
func (d *DeferredDeleter) AddClient() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A previous shutdown may still be draining; let it finish first
	for d.running && d.stopping {
		done := d.done
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}

	d.clients++
	if !d.running {
		d.running = true
		d.done = make(chan struct{})
		go d.worker(d.done)
		d.log.Debug("worker started")
	}
}

// RemoveClient unregisters a user. The last client blocks until the queue
// is empty and the worker has exited.
func (d *DeferredDeleter) RemoveClient() {
	d.mu.Lock()
	d.clients--
	refcount.Assert(d.clients >= 0, "deferred deleter client count negative")
	if d.clients > 0 || !d.running {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	done := d.done
	d.mu.Unlock()
	d.cond.Broadcast()
	<-done
}

// Drain blocks until every queued object has been deleted.
func (d *DeferredDeleter) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 || d.inFlight > 0 {
		d.cond.Wait()
	}
}

// Pending returns the number of objects queued or being deleted.
func (d *DeferredDeleter) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) + d.inFlight
}

// Stats returns the number of completed and failed deletions.
func (d *DeferredDeleter) Stats() (deleted, failures uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted, d.failures
}

func (d *DeferredDeleter) worker(done chan struct{}) {
	d.mu.Lock()
	for {
		for len(d.queue) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.running = false
			d.stopping = false
			d.mu.Unlock()
			d.cond.Broadcast()
			close(done)
			d.log.Debug("worker stopped")
			return
		}

		batch := d.queue
		d.queue = nil
		d.inFlight += len(batch)
		d.mu.Unlock()

		var ok, failed uint64
		for _, obj := range batch {
			if d.safeDelete(obj) {
				ok++
			} else {
				failed++
			}
		}

		d.mu.Lock()
		d.inFlight -= len(batch)
		d.deleted += ok
		d.failures += failed
		d.cond.Broadcast()
	}
}

// safeDelete runs Delete and contains any panic so a faulty destructor
// cannot take the driver down.
func (d *DeferredDeleter) safeDelete(obj refcount.Deletable) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Warn("deferred deletion failed")
			ok = false
		}
	}()
	obj.Delete()
	return true
}
