// Package signals runs registered callbacks when the process is asked to
// stop or to reload its configuration.
package signals

import (
	"os"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// sigChan is buffered so a signal that arrives before Handle runs is kept.
var sigChan = make(chan os.Signal, 1)

type Handler func()

// HandlerID identifies a registration for later removal.
type HandlerID int

type entry struct {
	id HandlerID
	fn Handler
}

type registry struct {
	kind     string
	mu       sync.Mutex
	handlers []entry
}

var (
	nextID   HandlerID
	idMu     sync.Mutex
	stopOnce sync.Once

	reloaders    = &registry{kind: "reload"}
	interrupters = &registry{kind: "interrupt"}
)

func newID() HandlerID {
	idMu.Lock()
	defer idMu.Unlock()
	id := nextID
	nextID++
	return id
}

func (r *registry) add(f Handler) HandlerID {
	if f == nil {
		return -1
	}
	id := newID()
	r.mu.Lock()
	r.handlers = append(r.handlers, entry{id: id, fn: f})
	r.mu.Unlock()
	return id
}

func (r *registry) remove(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handlers {
		if h.id == id {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// run calls every handler in registration order. A panicking handler is
// logged and does not stop the others.
func (r *registry) run() {
	r.mu.Lock()
	snapshot := append([]entry(nil), r.handlers...)
	r.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":       "signals.run",
		"kind":     r.kind,
		"handlers": len(snapshot),
	}).Debug("running signal handlers")
	for _, h := range snapshot {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.WithFields(logger.Fields{
						"at":    "signals.run",
						"kind":  r.kind,
						"panic": p,
					}).Error("signal handler panicked")
				}
			}()
			h.fn()
		}()
	}
}

// RegisterReloadHandler registers f for SIGHUP. A nil f is ignored and
// yields -1.
func RegisterReloadHandler(f Handler) HandlerID { return reloaders.add(f) }

func DeregisterReloadHandler(id HandlerID) { reloaders.remove(id) }

// RegisterInterruptHandler registers f for SIGINT and SIGTERM. A nil f is
// ignored and yields -1.
func RegisterInterruptHandler(f Handler) HandlerID { return interrupters.add(f) }

func DeregisterInterruptHandler(id HandlerID) { interrupters.remove(id) }

// Handle dispatches signals until StopHandle is called.
func Handle() {
	for sig := range sigChan {
		dispatch(sig)
	}
}

// StopHandle makes Handle return. Only the first call has an effect.
func StopHandle() {
	stopOnce.Do(func() {
		stopNotify()
		close(sigChan)
	})
}
