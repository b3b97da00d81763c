// Package sink provides AsyncDbWriter, a FIFO queue of persistence
// operations so the request path never blocks on a DB write. The queue
// has no size limit: nothing is dropped or rejected when writes back up.
package sink

import (
	"log/slog"

	"github.com/alitto/pond/v2"
)

// AsyncDbWriter executes enqueued writes in the exact order they were
// submitted. A single-worker pool is the simplest construct that gives
// that guarantee without an explicit queue + condvar.
type AsyncDbWriter struct {
	pool pond.Pool
}

func NewAsyncDbWriter() *AsyncDbWriter {
	return &AsyncDbWriter{pool: pond.NewPool(1)}
}

// Enqueue schedules fn to run after every previously enqueued write has
// completed. Errors are logged, never returned — callers on the request
// path must not block on persistence.
func (w *AsyncDbWriter) Enqueue(label string, fn func() error) {
	w.pool.Submit(func() {
		if err := fn(); err != nil {
			slog.Error("async write failed", "op", label, "error", err)
		}
	})
}

// Shutdown drains the queue, running every already-enqueued write to
// completion before returning.
func (w *AsyncDbWriter) Shutdown() {
	w.pool.StopAndWait()
}
