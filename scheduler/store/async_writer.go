package store

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang-collections/collections/queue"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/twitter/gridsched/common/stats"
)

type writeOp struct {
	rec    *TaskRecord
	delete string
}

// AsyncWriter queues writes for a background goroutine. Put and Delete never
// block on the underlying store; failed writes are retried, then logged and
// dropped. AsyncWriter is itself a Store.
type AsyncWriter struct {
	store    Store
	stat     stats.StatsReceiver
	retries  uint64
	interval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	ops     *queue.Queue
	pending int
	closed  bool

	wakeCh chan struct{}
	doneCh chan struct{}

	written *atomic.Int64
	failed  *atomic.Int64
}

func NewAsyncWriter(s Store, cfg Config, stat stats.StatsReceiver) *AsyncWriter {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	w := &AsyncWriter{
		store:    s,
		stat:     stat,
		retries:  cfg.WriteRetries,
		interval: cfg.RetryInterval,
		ops:      queue.New(),
		wakeCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		written:  atomic.NewInt64(0),
		failed:   atomic.NewInt64(0),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

func (w *AsyncWriter) Put(rec TaskRecord) error {
	w.enqueue(writeOp{rec: &rec})
	return nil
}

func (w *AsyncWriter) Delete(id string) error {
	w.enqueue(writeOp{delete: id})
	return nil
}

func (w *AsyncWriter) enqueue(op writeOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		log.Error("Write to closed task store dropped")
		return
	}
	w.ops.Enqueue(op)
	w.pending++
	w.mu.Unlock()
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *AsyncWriter) loop() {
	defer close(w.doneCh)
	for {
		w.mu.Lock()
		if w.ops.Len() == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wakeCh
			continue
		}
		op := w.ops.Dequeue().(writeOp)
		w.mu.Unlock()

		w.write(op)

		w.mu.Lock()
		w.pending--
		if w.pending == 0 {
			w.cond.Broadcast()
		}
		w.mu.Unlock()
	}
}

func (w *AsyncWriter) write(op writeOp) {
	var b backoff.BackOff = backoff.NewConstantBackOff(w.interval)
	b = backoff.WithMaxRetries(b, w.retries)
	err := backoff.Retry(func() error {
		if op.rec != nil {
			return w.store.Put(*op.rec)
		}
		return w.store.Delete(op.delete)
	}, b)
	if err != nil {
		w.failed.Inc()
		w.stat.Counter(stats.SchedStoreErrorsCounter).Inc(1)
		id := op.delete
		if op.rec != nil {
			id = op.rec.ID
		}
		log.WithFields(log.Fields{"taskID": id, "err": err}).Error("Unable to persist task")
		return
	}
	w.written.Inc()
}

// Flush waits until every queued write has been attempted.
func (w *AsyncWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pending > 0 {
		w.cond.Wait()
	}
}

// List flushes, then lists the underlying store.
func (w *AsyncWriter) List() ([]TaskRecord, error) {
	w.Flush()
	return w.store.List()
}

// Written and Failed count completed and abandoned writes.
func (w *AsyncWriter) Written() int64 { return w.written.Load() }
func (w *AsyncWriter) Failed() int64  { return w.failed.Load() }

// Close flushes queued writes and closes the underlying store.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	<-w.doneCh
	return w.store.Close()
}
