package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/common/fsutil"
	"voiced/pkg/types"
)

// WorkerLaunch describes how to spawn the embedded synthesis worker.
type WorkerLaunch struct {
	Bin    string   // node (or an electron binary run as node)
	Flags  []string // extra flags placed before the script
	Script string   // path to the worker entry script
}

const (
	embeddedReadyDeadline = 15 * time.Second
	healthPollInterval    = 350 * time.Millisecond
	stopGracePeriod       = 2 * time.Second
	stderrTailCap         = 4096
)

// embeddedBackend runs the worker as a child process and talks to it over
// the stdin/stdout bridge.
type embeddedBackend struct {
	cmd       *exec.Cmd
	bridge    *Bridge
	stderr    *tailBuffer
	waitErrCh chan error
	cacheDir  string
	log       zerolog.Logger
}

// buildWorkerArgs assembles the worker argv. An electron binary standing in
// for node needs --run-as-node before anything else.
func buildWorkerArgs(launch WorkerLaunch) []string {
	var args []string
	if strings.Contains(strings.ToLower(filepath.Base(launch.Bin)), "electron") {
		args = append(args, "--run-as-node")
	}
	args = append(args, launch.Flags...)
	args = append(args, launch.Script)
	return args
}

// workerEnv derives the worker's environment from the models directory.
func workerEnv(modelsDir string) []string {
	return append(os.Environ(),
		"VOICED_MODELS_DIR="+modelsDir,
		"KOKORO_CACHE_DIR="+filepath.Join(modelsDir, "kokoro-node-cache"),
	)
}

// startEmbedded spawns the worker, waits for it to answer health and seeds
// its offline model cache when the cache is empty.
func startEmbedded(ctx context.Context, launch WorkerLaunch, cfg types.RuntimeConfig, log zerolog.Logger) (*embeddedBackend, error) {
	cacheDir := filepath.Join(cfg.ModelsDir, "kokoro-node-cache")
	if err := os.MkdirAll(filepath.Join(cacheDir, "hub"), 0o755); err != nil {
		return nil, fmt.Errorf("create worker cache: %w", err)
	}

	cmd := exec.Command(launch.Bin, buildWorkerArgs(launch)...)
	cmd.Env = workerEnv(cfg.ModelsDir)
	stderr := newTailBuffer(stderrTailCap)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, ErrStartFailed("embedded", err.Error())
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("bin", launch.Bin).Msg("worker started")

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	b := &embeddedBackend{
		cmd:       cmd,
		bridge:    NewBridge(stdin, stdout, log),
		stderr:    stderr,
		waitErrCh: waitErrCh,
		cacheDir:  cacheDir,
		log:       log,
	}

	if err := b.awaitHealthy(ctx, embeddedReadyDeadline); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	hub := filepath.Join(cacheDir, "hub")
	if !fsutil.DirNonEmpty(hub) {
		log.Info().Str("cache", hub).Msg("seeding worker model cache")
		if _, err := b.bridge.Call(ctx, actionSeed, map[string]string{"modelsDir": cfg.ModelsDir}, nil); err != nil {
			_ = b.Stop()
			return nil, ErrStartFailed("embedded", "seed cache: "+err.Error())
		}
	}
	return b, nil
}

// awaitHealthy polls the worker's health action until it answers, the worker
// exits or the deadline passes. Failure messages carry the stderr tail.
func (b *embeddedBackend) awaitHealthy(ctx context.Context, within time.Duration) error {
	deadline := time.Now().Add(within)
	for {
		select {
		case werr := <-b.waitErrCh:
			return ErrStartFailed("embedded", fmt.Sprintf("worker exited before ready: %v; stderr tail: %s", werr, b.stderr.String()))
		default:
		}
		if time.Now().After(deadline) {
			return ErrStartFailed("embedded", "worker not ready in time; stderr tail: "+b.stderr.String())
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

func (b *embeddedBackend) Mode() types.BackendMode { return types.BackendEmbedded }

func (b *embeddedBackend) Healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, actionTimeouts[actionHealth])
	defer cancel()
	_, err := b.bridge.Call(hctx, actionHealth, nil, nil)
	return err == nil
}

func (b *embeddedBackend) Voices(ctx context.Context) ([]types.Voice, error) {
	raw, err := b.bridge.Call(ctx, actionVoices, nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Voices []types.Voice `json:"voices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode voices reply: %w", err)
	}
	return out.Voices, nil
}

func (b *embeddedBackend) ValidateTags(ctx context.Context, text string) (types.TagValidation, error) {
	raw, err := b.bridge.Call(ctx, actionValidate, map[string]string{"text": text}, nil)
	if err != nil {
		return types.TagValidation{}, err
	}
	var out types.TagValidation
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.TagValidation{}, fmt.Errorf("decode validate reply: %w", err)
	}
	return out, nil
}

func (b *embeddedBackend) Preview(ctx context.Context, req types.PreviewRequest) (types.PreviewResult, error) {
	raw, err := b.bridge.Call(ctx, actionPreview, req, nil)
	if err != nil {
		return types.PreviewResult{}, err
	}
	var out types.PreviewResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.PreviewResult{}, fmt.Errorf("decode preview reply: %w", err)
	}
	return out, nil
}

func (b *embeddedBackend) Batch(ctx context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error) {
	var cb func(json.RawMessage)
	if onProgress != nil {
		cb = func(raw json.RawMessage) {
			var p types.BatchProgress
			if err := json.Unmarshal(raw, &p); err != nil {
				b.log.Warn().Err(err).Msg("undecodable batch progress")
				return
			}
			onProgress(p)
		}
	}
	raw, err := b.bridge.Call(ctx, actionBatch, req, cb)
	if err != nil {
		return types.BatchResult{}, err
	}
	var out types.BatchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.BatchResult{}, fmt.Errorf("decode batch reply: %w", err)
	}
	return out, nil
}

// Stop asks the worker to dispose its engines, then terminates the process.
func (b *embeddedBackend) Stop() error {
	b.bridge.Close()
	stopProcess(b.cmd.Process, b.waitErrCh, stopGracePeriod)
	b.log.Info().Msg("worker stopped")
	return nil
}
