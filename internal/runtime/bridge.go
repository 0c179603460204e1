package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The bridge speaks newline-delimited JSON to the embedded worker over its
// stdin/stdout. Every request carries a monotonically increasing id; the
// worker answers with any number of progress messages followed by exactly one
// ok or error message carrying the same id.

const (
	msgRequest  = "request"
	msgProgress = "progress"
	msgOK       = "ok"
	msgError    = "error"
)

// Worker actions.
const (
	actionHealth   = "health"
	actionSeed     = "seed-cache"
	actionVoices   = "voices"
	actionValidate = "validate-tags"
	actionPreview  = "preview"
	actionBatch    = "batch"
	actionDispose  = "dispose"
)

// Reply deadlines per action. A progress message restarts the clock, so a
// long batch stays alive as long as it keeps making forward progress.
var actionTimeouts = map[string]time.Duration{
	actionHealth:   5 * time.Second,
	actionSeed:     2 * time.Minute,
	actionVoices:   10 * time.Second,
	actionValidate: 10 * time.Second,
	actionPreview:  2 * time.Minute,
	actionBatch:    10 * time.Minute,
	actionDispose:  3 * time.Second,
}

type bridgeMessage struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	action     string
	reply      chan callResult
	onProgress func(json.RawMessage)
	timer      *time.Timer
	timeout    time.Duration
}

// Bridge multiplexes RPC calls onto one worker connection.
type Bridge struct {
	wmu sync.Mutex // serializes writes to the worker
	w   io.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	closed  bool
	exitErr error

	log zerolog.Logger
}

// NewBridge wires a bridge over the worker's stdin (w) and stdout (r) and
// starts the read loop. When r reaches EOF or errors, every pending and
// future call fails with a worker-exited error.
func NewBridge(w io.Writer, r io.Reader, log zerolog.Logger) *Bridge {
	b := &Bridge{
		w:       w,
		pending: make(map[uint64]*pendingCall),
		log:     log,
	}
	go b.readLoop(r)
	return b
}

// Call sends one request and waits for its final reply. onProgress, when
// non-nil, receives each progress payload for the call.
func (b *Bridge) Call(ctx context.Context, action string, payload any, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", action, err)
		}
		raw = enc
	}

	timeout := actionTimeouts[action]
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b.mu.Lock()
	if b.closed {
		err := b.exitErr
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	id := b.nextID
	pc := &pendingCall{
		action:     action,
		reply:      make(chan callResult, 1),
		onProgress: onProgress,
		timeout:    timeout,
	}
	pc.timer = time.AfterFunc(timeout, func() { b.expire(id) })
	b.pending[id] = pc
	b.mu.Unlock()

	if err := b.write(bridgeMessage{Type: msgRequest, ID: id, Action: action, Payload: raw}); err != nil {
		b.drop(id)
		return nil, fmt.Errorf("write %s request: %w", action, err)
	}

	select {
	case res := <-pc.reply:
		return res.payload, res.err
	case <-ctx.Done():
		b.drop(id)
		return nil, ctx.Err()
	}
}

// Close asks the worker to dispose its engines and then marks the bridge
// closed. The owning backend remains responsible for reaping the process.
func (b *Bridge) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeouts[actionDispose])
	defer cancel()
	_, _ = b.Call(ctx, actionDispose, nil, nil)
	b.failAll(ErrWorkerExited("closed"))
}

func (b *Bridge) write(msg bridgeMessage) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	enc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	_, err = b.w.Write(enc)
	return err
}

func (b *Bridge) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg bridgeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			b.log.Warn().Err(err).Msg("undecodable worker message")
			continue
		}
		b.dispatch(msg)
	}
	reason := "stdout closed"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	b.failAll(ErrWorkerExited(reason))
}

func (b *Bridge) dispatch(msg bridgeMessage) {
	b.mu.Lock()
	pc, ok := b.pending[msg.ID]
	if !ok {
		b.mu.Unlock()
		b.log.Debug().Uint64("id", msg.ID).Str("type", msg.Type).Msg("reply for unknown call")
		return
	}
	switch msg.Type {
	case msgProgress:
		// forward motion restarts the reply clock
		pc.timer.Reset(pc.timeout)
		cb := pc.onProgress
		b.mu.Unlock()
		if cb != nil {
			cb(msg.Payload)
		}
	case msgOK:
		delete(b.pending, msg.ID)
		pc.timer.Stop()
		b.mu.Unlock()
		pc.reply <- callResult{payload: msg.Payload}
	case msgError:
		delete(b.pending, msg.ID)
		pc.timer.Stop()
		b.mu.Unlock()
		pc.reply <- callResult{err: fmt.Errorf("%s: %s", pc.action, msg.Error)}
	default:
		b.mu.Unlock()
		b.log.Warn().Str("type", msg.Type).Msg("unknown worker message type")
	}
}

// expire fails a call whose reply clock ran out.
func (b *Bridge) expire(id uint64) {
	b.mu.Lock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		pc.reply <- callResult{err: ErrRPCTimeout(pc.action)}
	}
}

// drop removes a call without delivering a result (caller already has one).
func (b *Bridge) drop(id uint64) {
	b.mu.Lock()
	if pc, ok := b.pending[id]; ok {
		pc.timer.Stop()
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// failAll closes the bridge and fails every pending call with err.
func (b *Bridge) failAll(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.exitErr = err
	calls := make([]*pendingCall, 0, len(b.pending))
	for id, pc := range b.pending {
		pc.timer.Stop()
		calls = append(calls, pc)
		delete(b.pending, id)
	}
	b.mu.Unlock()
	for _, pc := range calls {
		pc.reply <- callResult{err: err}
	}
}
