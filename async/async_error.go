package async

// AsyncError is a write-once error value filled in by a worker goroutine and
// read, without blocking, by the goroutine that owns the Mailbox.
type AsyncError struct {
	errCh     chan error
	val       error
	completed bool
	onSet     func()
}

func newAsyncError(onSet func()) *AsyncError {
	return &AsyncError{
		errCh: make(chan error, 1),
		onSet: onSet,
	}
}

// SetValue records the result. It must be called exactly once.
func (e *AsyncError) SetValue(err error) {
	e.errCh <- err
	close(e.errCh)
	if e.onSet != nil {
		e.onSet()
	}
}

// TryGetValue reports whether a value has been set and, if so, the value.
// Only the owning goroutine may call it.
func (e *AsyncError) TryGetValue() (bool, error) {
	if e.completed {
		return true, e.val
	}
	select {
	case err := <-e.errCh:
		e.val = err
		e.completed = true
		return true, err
	default:
		return false, nil
	}
}
