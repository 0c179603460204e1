package runtime

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// tailBuffer keeps the last capacity bytes written to it. It captures enough
// of a child's stderr to explain an early exit without holding full output.
type tailBuffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// stopProcess terminates a child: SIGTERM first, then Kill after gracePeriod.
// waitErrCh is the channel the spawn's single cmd.Wait goroutine reports on.
func stopProcess(proc *os.Process, waitErrCh <-chan error, gracePeriod time.Duration) {
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-waitErrCh:
	case <-time.After(gracePeriod):
		_ = proc.Kill()
		<-waitErrCh
	}
}
