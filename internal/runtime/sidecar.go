package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"voiced/pkg/types"
)

// SidecarLaunch describes how to spawn the external synthesis sidecar.
type SidecarLaunch struct {
	Bin  string   // python interpreter
	Args []string // script or -m module invocation
	Port int
}

// The sidecar loads multi-gigabyte models on startup, so readiness gets a
// much longer leash than the embedded worker.
const sidecarReadyDeadline = 2 * time.Minute

// sidecarBackend talks HTTP to a spawned loopback sidecar process.
type sidecarBackend struct {
	cmd       *exec.Cmd
	baseURL   string
	client    *http.Client
	stderr    *tailBuffer
	waitErrCh chan error
	log       zerolog.Logger
}

// sidecarEnv derives the sidecar's environment. The model caches point into
// the install tree and the hub is pinned offline so no network fetch can
// happen at load time.
func sidecarEnv(modelsDir string, port int) []string {
	hfHome := filepath.Join(modelsDir, ".hf-cache")
	return append(os.Environ(),
		"VOICED_MODELS_DIR="+modelsDir,
		"VOICED_SIDECAR_PORT="+strconv.Itoa(port),
		"HF_HOME="+hfHome,
		"HF_HUB_CACHE="+filepath.Join(hfHome, "hub"),
		"HF_HUB_OFFLINE=1",
		"TRANSFORMERS_OFFLINE=1",
	)
}

// startSidecar spawns the sidecar and waits for its health endpoint.
func startSidecar(ctx context.Context, launch SidecarLaunch, cfg types.RuntimeConfig, log zerolog.Logger) (*sidecarBackend, error) {
	cmd := exec.Command(launch.Bin, launch.Args...)
	cmd.Env = sidecarEnv(cfg.ModelsDir, launch.Port)
	stderr := newTailBuffer(stderrTailCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, ErrStartFailed("sidecar", err.Error())
	}
	log.Info().Int("pid", cmd.Process.Pid).Int("port", launch.Port).Msg("sidecar started")

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	b := &sidecarBackend{
		cmd:     cmd,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", launch.Port),
		// context deadlines drive every call; the client itself has none
		client:    &http.Client{Timeout: 0},
		stderr:    stderr,
		waitErrCh: waitErrCh,
		log:       log,
	}

	if err := b.awaitReady(ctx, sidecarReadyDeadline); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	return b, nil
}

// awaitReady polls the health endpoint until it answers, the process exits or
// the deadline passes. Failure messages carry the stderr tail.
func (b *sidecarBackend) awaitReady(ctx context.Context, within time.Duration) error {
	deadline := time.Now().Add(within)
	for {
		select {
		case werr := <-b.waitErrCh:
			return ErrStartFailed("sidecar", fmt.Sprintf("exited before ready: %v; stderr tail: %s", werr, b.stderr.String()))
		default:
		}
		if time.Now().After(deadline) {
			return ErrStartFailed("sidecar", "not ready in time; stderr tail: "+b.stderr.String())
		}
		if b.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

func (b *sidecarBackend) Mode() types.BackendMode { return types.BackendSidecar }

func (b *sidecarBackend) Healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// post sends a JSON request and decodes the JSON reply into out.
func (b *sidecarBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sidecar %s: %s: %s", path, resp.Status, tail)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *sidecarBackend) Voices(ctx context.Context) ([]types.Voice, error) {
	cctx, cancel := context.WithTimeout(ctx, actionTimeouts[actionVoices])
	defer cancel()
	var out struct {
		Voices []types.Voice `json:"voices"`
	}
	if err := b.post(cctx, "/voices", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

func (b *sidecarBackend) ValidateTags(ctx context.Context, text string) (types.TagValidation, error) {
	cctx, cancel := context.WithTimeout(ctx, actionTimeouts[actionValidate])
	defer cancel()
	var out types.TagValidation
	err := b.post(cctx, "/validate-tags", map[string]string{"text": text}, &out)
	return out, err
}

func (b *sidecarBackend) Preview(ctx context.Context, req types.PreviewRequest) (types.PreviewResult, error) {
	cctx, cancel := context.WithTimeout(ctx, actionTimeouts[actionPreview])
	defer cancel()
	var out types.PreviewResult
	err := b.post(cctx, "/tts", req, &out)
	return out, err
}

// Batch renders segments one at a time so each segment gets its own deadline
// and callers see forward progress after every file.
func (b *sidecarBackend) Batch(ctx context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error) {
	var result types.BatchResult
	total := len(req.Segments)
	for i, seg := range req.Segments {
		preview := types.PreviewRequest{
			Text:           seg.Text,
			VoiceID:        seg.VoiceID,
			Model:          seg.Model,
			Speed:          seg.Speed,
			ExpressionTags: seg.ExpressionTags,
			OutputDir:      req.OutputDir,
		}
		out, err := b.Preview(ctx, preview)
		if err != nil {
			return result, fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		result.WavPaths = append(result.WavPaths, out.WavPath)
		result.Engines = append(result.Engines, out.Engine)
		if onProgress != nil {
			onProgress(types.BatchProgress{Completed: i + 1, Total: total, WavPath: out.WavPath})
		}
	}
	return result, nil
}

func (b *sidecarBackend) Stop() error {
	stopProcess(b.cmd.Process, b.waitErrCh, stopGracePeriod)
	b.log.Info().Msg("sidecar stopped")
	return nil
}
