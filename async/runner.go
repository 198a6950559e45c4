package async

// Runner runs functions on their own goroutines and delivers their results
// through a Mailbox owned by the caller's goroutine.
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{
		bx: NewMailbox(),
	}
}

// NumRunning is the number of functions whose callbacks haven't been processed.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync runs f in a new goroutine; cb is invoked with f's error from ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		rsp.SetValue(f())
	}(asyncErr)
}

func (r *Runner) Notify() <-chan struct{} {
	return r.bx.Notify()
}

func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
