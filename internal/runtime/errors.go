package runtime

// wakeBlockedError signals a call that would need to start a backend while
// the resource policy forbids waking for that call kind.
type wakeBlockedError struct{}

func (wakeBlockedError) Error() string { return "backend is stopped and this call may not wake it" }

func ErrWakeBlocked() error { return wakeBlockedError{} }

func IsWakeBlocked(err error) bool {
	_, ok := err.(wakeBlockedError)
	return ok
}

// notConfiguredError signals a synthesis call before any backend
// configuration has been established by a bootstrap run.
type notConfiguredError struct{}

func (notConfiguredError) Error() string { return "no backend configured; run bootstrap first" }

func ErrNotConfigured() error { return notConfiguredError{} }

func IsNotConfigured(err error) bool {
	_, ok := err.(notConfiguredError)
	return ok
}

// workerExitedError is returned for calls in flight when the worker process
// exits. reason carries the exit error plus a stderr tail when available.
type workerExitedError struct {
	reason string
}

func (e workerExitedError) Error() string {
	if e.reason == "" {
		return "worker exited"
	}
	return "worker exited: " + e.reason
}

func ErrWorkerExited(reason string) error { return workerExitedError{reason: reason} }

func IsWorkerExited(err error) bool {
	_, ok := err.(workerExitedError)
	return ok
}

// rpcTimeoutError names the action whose reply (or progress) stopped arriving.
type rpcTimeoutError struct {
	action string
}

func (e rpcTimeoutError) Error() string { return "no reply from worker for " + e.action }

func ErrRPCTimeout(action string) error { return rpcTimeoutError{action: action} }

func IsRPCTimeout(err error) bool {
	_, ok := err.(rpcTimeoutError)
	return ok
}

// startFailedError wraps a backend that never became healthy.
type startFailedError struct {
	backend string
	reason  string
}

func (e startFailedError) Error() string {
	return e.backend + " backend failed to start: " + e.reason
}

func ErrStartFailed(backend, reason string) error {
	return startFailedError{backend: backend, reason: reason}
}

func IsStartFailed(err error) bool {
	_, ok := err.(startFailedError)
	return ok
}
