package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/settings"
	"voiced/pkg/types"
)

// BackendFactory builds a backend for a configuration. The default factory
// spawns real worker/sidecar processes; tests substitute fakes.
type BackendFactory func(ctx context.Context, cfg types.RuntimeConfig) (Backend, error)

// Options configures a Supervisor.
type Options struct {
	Worker        WorkerLaunch
	Sidecar       SidecarLaunch
	Store         settings.Store
	Log           zerolog.Logger
	Factory       BackendFactory
	DefaultPolicy types.ResourcePolicy
}

// Supervisor owns at most one running backend and decides when to start,
// reuse, stop or idle-stop it.
type Supervisor struct {
	mu         sync.Mutex
	opts       Options
	factory    BackendFactory
	backend    Backend
	current    types.RuntimeConfig
	haveConfig bool
	policy     types.ResourcePolicy
	inflight   int
	idleTimer  *time.Timer
	log        zerolog.Logger
}

// NewSupervisor builds a supervisor with the persisted resource policy, when
// one exists, or the default policy.
func NewSupervisor(opts Options) *Supervisor {
	log := opts.Log.With().Str("component", "runtime").Logger()
	s := &Supervisor{opts: opts, policy: opts.DefaultPolicy, log: log}
	s.factory = opts.Factory
	if s.factory == nil {
		s.factory = s.spawn
	}
	if raw, ok, _ := opts.Store.Get(settings.KeyResourcePolicy); ok {
		var p types.ResourcePolicy
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			s.policy = p
		} else {
			log.Warn().Err(err).Msg("discarding undecodable persisted resource policy")
		}
	}
	return s
}

func (s *Supervisor) spawn(ctx context.Context, cfg types.RuntimeConfig) (Backend, error) {
	switch cfg.BackendMode {
	case types.BackendSidecar:
		return startSidecar(ctx, s.opts.Sidecar, cfg, s.log)
	default:
		return startEmbedded(ctx, s.opts.Worker, cfg, s.log)
	}
}

// Start brings up a backend for cfg. A healthy backend already running the
// identical configuration is reused; anything else is stopped first.
func (s *Supervisor) Start(ctx context.Context, cfg types.RuntimeConfig) error {
	s.mu.Lock()
	if s.backend != nil && s.current.Equal(cfg) {
		b := s.backend
		s.mu.Unlock()
		if b.Healthy(ctx) {
			s.log.Debug().Msg("backend already running this configuration")
			return nil
		}
		s.mu.Lock()
	}
	if s.backend != nil {
		s.stopLocked("restart")
	}
	s.mu.Unlock()

	b, err := s.factory(ctx, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.backend != nil {
		// a concurrent Start won; keep theirs
		s.mu.Unlock()
		_ = b.Stop()
		return nil
	}
	s.backend = b
	s.current = cfg
	s.haveConfig = true
	s.armIdleLocked()
	s.mu.Unlock()

	backendActive.Set(1)
	backendStartsTotal.WithLabelValues(string(cfg.BackendMode)).Inc()
	s.log.Info().
		Str("backend", string(cfg.BackendMode)).
		Str("runtime_mode", string(cfg.RuntimeMode)).
		Msg("backend ready")
	return nil
}

// Wake starts the backend with the last known configuration.
func (s *Supervisor) Wake(ctx context.Context) error {
	s.mu.Lock()
	if !s.haveConfig {
		s.mu.Unlock()
		return ErrNotConfigured()
	}
	cfg := s.current
	s.mu.Unlock()
	return s.Start(ctx, cfg)
}

// Stop terminates the active backend, if any. The last configuration is kept
// so a later call can wake the backend back up.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked("requested")
}

func (s *Supervisor) stopLocked(reason string) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.backend == nil {
		return
	}
	b := s.backend
	s.backend = nil
	backendActive.Set(0)
	if err := b.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("backend stop")
	}
	s.log.Info().Str("reason", reason).Msg("backend stopped")
}

// dropExited clears a backend whose process has died so the next call goes
// through the wake path and respawns it. The configuration is kept. Errors
// other than a worker exit leave the backend in place.
func (s *Supervisor) dropExited(b Backend, err error) {
	if !IsWorkerExited(err) {
		return
	}
	s.mu.Lock()
	if s.backend != b {
		s.mu.Unlock()
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.backend = nil
	backendActive.Set(0)
	s.mu.Unlock()
	_ = b.Stop()
	s.log.Warn().Err(err).Msg("backend process exited, cleared for respawn")
}

// Health reports the supervisor's view of the active backend.
func (s *Supervisor) Health(ctx context.Context) types.RuntimeHealth {
	s.mu.Lock()
	b := s.backend
	cfg := s.current
	s.mu.Unlock()
	if b == nil {
		return types.RuntimeHealth{}
	}
	h := types.RuntimeHealth{
		Active:      true,
		BackendMode: cfg.BackendMode,
		RuntimeMode: cfg.RuntimeMode,
	}
	if b.Healthy(ctx) {
		h.Healthy = true
		h.ModelStatus = "loaded"
	} else {
		h.ModelStatus = "unresponsive"
	}
	return h
}

// Policy returns the current resource policy.
func (s *Supervisor) Policy() types.ResourcePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetResourcePolicy installs and persists a new resource policy and re-arms
// (or cancels) the idle timer accordingly.
func (s *Supervisor) SetResourcePolicy(p types.ResourcePolicy) error {
	s.mu.Lock()
	s.policy = p
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.armIdleLocked()
	s.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.opts.Store.Set(settings.KeyResourcePolicy, string(raw))
}

// armIdleLocked schedules an idle stop when one is warranted: an active
// backend, nothing in flight and a positive idle duration.
func (s *Supervisor) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.backend == nil || s.inflight > 0 || s.policy.IdleStopMs <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(time.Duration(s.policy.IdleStopMs)*time.Millisecond, s.idleFire)
}

// idleFire re-verifies the idle conditions at fire time; a call that slipped
// in keeps the backend alive.
func (s *Supervisor) idleFire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil || s.inflight > 0 {
		return
	}
	idleStopsTotal.Inc()
	s.stopLocked("idle")
}
