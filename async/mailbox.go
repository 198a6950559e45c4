// Package async lets a single-threaded event loop hand blocking work to
// goroutines and get the results back on the loop goroutine.
//
// The loop creates an AsyncError per piece of work through a Mailbox, hands it
// to the worker, and periodically calls ProcessMessages, which invokes the
// callbacks of completed work on the calling goroutine. Notify() fires whenever
// some work completes so the loop can select on it instead of polling.
//
//   runner := async.NewRunner()
//   runner.RunAsync(func() error { return store.Put(rec) }, func(err error) {
//     if err != nil { log.Errorf("store write failed: %v", err) }
//   })
//   for {
//     select {
//     case <-runner.Notify():
//       runner.ProcessMessages()
//     case ev := <-events:
//       ...
//     }
//   }
package async

type AsyncErrorResponseHandler func(error)

type message struct {
	Err      *AsyncError
	callback AsyncErrorResponseHandler
}

// Mailbox is not safe for concurrent use; only AsyncError.SetValue may be
// called from other goroutines.
type Mailbox struct {
	msgs     []message
	notifyCh chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		msgs:     make([]message, 0),
		notifyCh: make(chan struct{}, 1),
	}
}

// Count returns the number of messages whose callbacks have not run yet.
func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Notify receives a value after at least one AsyncError has been set since the last receive.
func (bx *Mailbox) Notify() <-chan struct{} {
	return bx.notifyCh
}

func (bx *Mailbox) signal() {
	select {
	case bx.notifyCh <- struct{}{}:
	default:
	}
}

// NewAsyncError registers cb to run once the returned AsyncError is set.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	msg := message{Err: newAsyncError(bx.signal), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.Err
}

// ProcessMessages runs the callbacks of every completed message, in registration order.
// Callbacks may register new messages.
func (bx *Mailbox) ProcessMessages() {
	pending := bx.msgs
	bx.msgs = make([]message, 0, len(pending))
	var uncompleted []message
	for _, msg := range pending {
		if ok, err := msg.Err.TryGetValue(); ok {
			msg.callback(err)
		} else {
			uncompleted = append(uncompleted, msg)
		}
	}
	bx.msgs = append(uncompleted, bx.msgs...)
}
