package runtime

import (
	"context"

	"voiced/pkg/types"
)

// The gateway side of the supervisor: every library or synthesis call
// arrives here, gets an in-flight ticket and may wake a stopped backend.
// Synthesis calls always wake; library queries wake only when the policy
// allows it and otherwise answer from the static tables.

// acquire hands out the active backend and counts the call in flight. wake
// controls whether a stopped backend may be started for this call.
func (s *Supervisor) acquire(ctx context.Context, wake bool) (Backend, error) {
	s.mu.Lock()
	if s.backend != nil {
		b := s.backend
		s.inflight++
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()
		return b, nil
	}
	if !s.haveConfig {
		s.mu.Unlock()
		if wake {
			return nil, ErrNotConfigured()
		}
		return nil, ErrWakeBlocked()
	}
	if !wake {
		s.mu.Unlock()
		return nil, ErrWakeBlocked()
	}
	cfg := s.current
	// claim the ticket before starting so the idle timer cannot arm and
	// stop a freshly woken backend out from under this call
	s.inflight++
	s.mu.Unlock()

	if err := s.Start(ctx, cfg); err != nil {
		s.release()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		s.inflight--
		return nil, ErrStartFailed(string(cfg.BackendMode), "stopped immediately after start")
	}
	return s.backend, nil
}

// release returns an in-flight ticket; the last one out re-arms the idle
// timer.
func (s *Supervisor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
	if s.inflight == 0 {
		s.armIdleLocked()
	}
}

func (s *Supervisor) queryMayWake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.policy.StrictWakeOnly
}

func (s *Supervisor) staticRuntimeMode() types.RuntimeMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveConfig {
		return s.current.RuntimeMode
	}
	return types.RuntimeStandard
}

// Voices lists the available voices. With no backend running and waking
// disallowed, the static library filtered to the last runtime mode answers.
func (s *Supervisor) Voices(ctx context.Context) ([]types.Voice, error) {
	b, err := s.acquire(ctx, s.queryMayWake())
	if err != nil {
		synthRequestsTotal.WithLabelValues("voices", "static").Inc()
		return VoicesForMode(s.staticRuntimeMode()), nil
	}
	defer s.release()
	voices, err := b.Voices(ctx)
	if err != nil {
		s.dropExited(b, err)
		s.log.Warn().Err(err).Msg("backend voices call failed, answering statically")
		synthRequestsTotal.WithLabelValues("voices", "static").Inc()
		return VoicesForMode(s.staticRuntimeMode()), nil
	}
	synthRequestsTotal.WithLabelValues("voices", "ok").Inc()
	return voices, nil
}

// Validate checks expression tags. The static tag table answers whenever the
// backend is not available for this call.
func (s *Supervisor) Validate(ctx context.Context, text string) (types.TagValidation, error) {
	b, err := s.acquire(ctx, s.queryMayWake())
	if err != nil {
		synthRequestsTotal.WithLabelValues("validate", "static").Inc()
		return ValidateTags(text), nil
	}
	defer s.release()
	v, err := b.ValidateTags(ctx, text)
	if err != nil {
		s.dropExited(b, err)
		s.log.Warn().Err(err).Msg("backend validate call failed, answering statically")
		synthRequestsTotal.WithLabelValues("validate", "static").Inc()
		return ValidateTags(text), nil
	}
	synthRequestsTotal.WithLabelValues("validate", "ok").Inc()
	return v, nil
}

// Preview synthesizes one utterance, waking the backend if needed.
func (s *Supervisor) Preview(ctx context.Context, req types.PreviewRequest) (types.PreviewResult, error) {
	b, err := s.acquire(ctx, true)
	if err != nil {
		synthRequestsTotal.WithLabelValues("preview", "error").Inc()
		return types.PreviewResult{}, err
	}
	defer s.release()
	res, err := b.Preview(ctx, req)
	if err != nil {
		s.dropExited(b, err)
		synthRequestsTotal.WithLabelValues("preview", "error").Inc()
		return types.PreviewResult{}, err
	}
	synthRequestsTotal.WithLabelValues("preview", "ok").Inc()
	return res, nil
}

// Batch synthesizes a sequence of segments, waking the backend if needed.
// onProgress receives forward-motion reports while the batch runs.
func (s *Supervisor) Batch(ctx context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error) {
	b, err := s.acquire(ctx, true)
	if err != nil {
		synthRequestsTotal.WithLabelValues("batch", "error").Inc()
		return types.BatchResult{}, err
	}
	defer s.release()
	res, err := b.Batch(ctx, req, onProgress)
	if err != nil {
		s.dropExited(b, err)
		synthRequestsTotal.WithLabelValues("batch", "error").Inc()
		return res, err
	}
	synthRequestsTotal.WithLabelValues("batch", "ok").Inc()
	return res, nil
}
