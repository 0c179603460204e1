package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/catalog"
	"voiced/internal/common/fsutil"
	"voiced/internal/settings"
	"voiced/pkg/types"
)

// RuntimeStarter is the slice of the runtime supervisor the orchestrator
// needs: starting a backend for a resolved configuration.
type RuntimeStarter interface {
	Start(ctx context.Context, cfg types.RuntimeConfig) error
}

// Options configures an Orchestrator.
type Options struct {
	DefaultInstallPath string
	BundleDir          string
	BackendMode        types.BackendMode
	Store              settings.Store
	Runtime            RuntimeStarter
	Log                zerolog.Logger
	EmitInterval       time.Duration
}

// StartInput is the host UI's start request. Empty fields fall back to the
// previously chosen (or default) values.
type StartInput struct {
	InstallPath string   `json:"installPath"`
	BackendMode string   `json:"backendMode"`
	PackIDs     []string `json:"packIds"`
}

// Orchestrator owns the bootstrap state machine. It is the only writer of
// BootstrapStatus; callers observe it through snapshots.
type Orchestrator struct {
	mu      sync.Mutex
	opts    Options
	status  types.BootstrapStatus
	running bool

	throttle   *emitThrottle
	downloader *Downloader
	archives   *ArchiveInstaller
	bundled    *BundledInstaller

	// per-run byte accounting, keyed by pack id
	packTotals map[string]int64
	packDone   map[string]int64
	maxPercent int
}

var allowedBackendModes = map[types.BackendMode]bool{
	types.BackendAuto:     true,
	types.BackendEmbedded: true,
	types.BackendSidecar:  true,
}

// New builds an Orchestrator seeded from persisted settings.
func New(opts Options) *Orchestrator {
	if opts.EmitInterval <= 0 {
		opts.EmitInterval = 120 * time.Millisecond
	}
	if opts.BackendMode == "" {
		opts.BackendMode = types.BackendAuto
	}
	log := opts.Log.With().Str("component", "bootstrap").Logger()
	opts.Log = log

	defaultPath, err := fsutil.ExpandHome(opts.DefaultInstallPath)
	if err != nil {
		defaultPath = opts.DefaultInstallPath
	}

	o := &Orchestrator{
		opts:       opts,
		throttle:   newEmitThrottle(opts.EmitInterval),
		downloader: NewDownloader(log),
		archives:   NewArchiveInstaller(log),
		bundled:    NewBundledInstaller(log),
	}

	installPath := defaultPath
	if v, ok, _ := opts.Store.Get(settings.KeyInstallPath); ok && v != "" {
		installPath = v
	}
	mode := opts.BackendMode
	if v, ok, _ := opts.Store.Get(settings.KeyBackendMode); ok && allowedBackendModes[types.BackendMode(v)] {
		mode = types.BackendMode(v)
	}
	_, completed, _ := opts.Store.Get(settings.KeyCompletedAt)
	autoStart := false
	if v, ok, _ := opts.Store.Get(settings.KeyAutoStart); ok {
		autoStart = v == "true"
	}

	o.status = types.BootstrapStatus{
		Phase:              types.PhaseAwaitingInput,
		FirstRun:           !completed,
		DefaultInstallPath: defaultPath,
		InstallPath:        installPath,
		BackendMode:        mode,
		Step:               "awaiting-input",
		Message:            "Select model packs to install",
		AutoStart:          autoStart,
	}
	o.refreshPacksLocked()
	return o
}

// GetStatus returns a defensive copy of the current status. Pack
// installed/not-installed states are refreshed from the filesystem unless a
// run is in flight.
func (o *Orchestrator) GetStatus() types.BootstrapStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		o.refreshPacksLocked()
	}
	return o.copyLocked()
}

// SetAutoStartEnabled persists the auto-start preference.
func (o *Orchestrator) SetAutoStartEnabled(enabled bool) error {
	o.mu.Lock()
	o.status.AutoStart = enabled
	o.mu.Unlock()
	v := "false"
	if enabled {
		v = "true"
	}
	return o.opts.Store.Set(settings.KeyAutoStart, v)
}

// Start requests a bootstrap run. At most one run is in flight; a Start
// issued during a run is a no-op that returns the current snapshot. On
// success the method returns immediately with the "running" snapshot so the
// caller can poll.
func (o *Orchestrator) Start(input StartInput) types.BootstrapStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return o.copyLocked()
	}

	installPath, err := o.normalizeInstallPath(input.InstallPath)
	if err != nil {
		o.failLocked(fmt.Errorf("resolve install path: %w", err))
		return o.copyLocked()
	}
	mode := o.normalizeBackendMode(input.BackendMode)
	selection := o.normalizeSelection(input.PackIDs)
	if len(selection) == 0 {
		o.failLocked(ErrEmptySelection())
		return o.copyLocked()
	}

	o.status.Phase = types.PhaseRunning
	o.status.InstallPath = installPath
	o.status.BackendMode = mode
	o.status.Step = "preparing"
	o.status.Message = "Preparing install directories"
	o.status.Percent = percentFloor
	o.status.BytesCopied = 0
	o.status.BytesTotal = 0
	o.status.Error = ""
	o.packTotals = make(map[string]int64)
	o.packDone = make(map[string]int64)
	o.maxPercent = percentFloor

	modelsDir := filepath.Join(installPath, "models")
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if !containsString(selection, p.ID) {
			continue
		}
		if catalog.Installed(p.ModelPackDefinition, modelsDir) {
			p.State = types.PackInstalled
			p.Percent = 100
			continue
		}
		p.State = types.PackQueued
		p.Percent = 0
		p.DownloadedBytes = 0
		p.TotalBytes = p.EstimatedBytes
		p.Error = ""
	}

	o.running = true
	go o.run(installPath, mode, selection)
	return o.copyLocked()
}

// run executes a bootstrap pass. There is deliberately no mid-pack
// cancellation: a failed or abandoned run leaves installed packs installed
// and can be restarted safely.
func (o *Orchestrator) run(installPath string, mode types.BackendMode, selection []string) {
	err := o.doRun(context.Background(), installPath, mode, selection)
	o.mu.Lock()
	o.running = false
	if err != nil {
		o.failLocked(err)
		o.mu.Unlock()
		runsTotal.WithLabelValues("error").Inc()
		o.opts.Log.Error().Err(err).Msg("bootstrap failed")
		return
	}
	o.mu.Unlock()
	runsTotal.WithLabelValues("ready").Inc()
	o.opts.Log.Info().Str("install_path", installPath).Msg("bootstrap ready")
}

func (o *Orchestrator) doRun(ctx context.Context, installPath string, mode types.BackendMode, selection []string) error {
	modelsDir := filepath.Join(installPath, "models")
	scratchDir := filepath.Join(installPath, ".downloads")
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	var pending []types.ModelPackDefinition
	o.mu.Lock()
	for _, def := range catalog.Packs() {
		if !containsString(selection, def.ID) {
			continue
		}
		if catalog.Installed(def, modelsDir) {
			continue
		}
		pending = append(pending, def)
		o.packTotals[def.ID] = def.EstimatedBytes
	}
	o.recomputeAggregateLocked()
	o.mu.Unlock()

	for _, def := range pending {
		if err := o.installPack(ctx, def, modelsDir, scratchDir); err != nil {
			o.setPackError(def.ID, err)
			return err
		}
	}

	o.setStep("starting-backend", "Starting speech backend", 88)

	installed := o.installedIDs(modelsDir)
	runtimeMode := catalog.RuntimeModeFor(installed)
	effective := effectiveBackend(mode, runtimeMode)
	cfg := types.RuntimeConfig{ModelsDir: modelsDir, BackendMode: effective, RuntimeMode: runtimeMode}

	if err := o.opts.Runtime.Start(ctx, cfg); err != nil {
		if effective != types.BackendEmbedded {
			return fmt.Errorf("start %s backend: %w", effective, err)
		}
		// One-shot fallback: the embedded engine failed, try the sidecar
		// against the same models directory.
		o.opts.Log.Warn().Err(err).Msg("embedded backend failed, falling back to sidecar")
		cfg.BackendMode = types.BackendSidecar
		if ferr := o.opts.Runtime.Start(ctx, cfg); ferr != nil {
			return fmt.Errorf("start sidecar backend after embedded failure: %w", ferr)
		}
		effective = types.BackendSidecar
	}

	o.persistOutcome(installPath, effective, installed)

	o.mu.Lock()
	o.status.Phase = types.PhaseReady
	o.status.FirstRun = false
	o.status.BackendMode = effective
	o.status.Step = "ready"
	o.status.Message = "Speech runtime is ready"
	o.status.Percent = 100
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) installPack(ctx context.Context, def types.ModelPackDefinition, modelsDir, scratchDir string) error {
	src := catalog.ResolveSource(def, o.opts.BundleDir)
	onProgress := func(done, total int64) {
		o.packProgress(def.ID, done, total, false)
	}

	switch src.Kind {
	case catalog.SourceRemote:
		o.setPackState(def.ID, types.PackDownloading, src.URL)
		dest := filepath.Join(scratchDir, def.ID+".pack")
		n, err := o.downloader.Fetch(ctx, src.URL, dest, def.EstimatedBytes, onProgress)
		if err != nil {
			return err
		}
		defer os.Remove(dest)
		o.setPackState(def.ID, types.PackExtracting, src.URL)
		if err := o.archives.Install(dest, def, modelsDir, scratchDir); err != nil {
			return err
		}
		o.completePack(def.ID, n)
		packsInstalledTotal.WithLabelValues(string(catalog.SourceRemote)).Inc()
	case catalog.SourceBundled:
		o.setPackState(def.ID, types.PackDownloading, "")
		total, err := o.bundled.Install(def, src.Dir, modelsDir, onProgress)
		if err != nil {
			return err
		}
		o.completePack(def.ID, total)
		packsInstalledTotal.WithLabelValues(string(catalog.SourceBundled)).Inc()
	}
	return nil
}

// packProgress folds a per-pack byte report into the aggregate. Non-forced
// updates are throttled to roughly one per emit interval.
func (o *Orchestrator) packProgress(packID string, done, total int64, force bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if total > 0 {
		o.packTotals[packID] = total
	}
	if prev := o.packDone[packID]; done > prev {
		bytesCopiedTotal.Add(float64(done - prev))
	}
	o.packDone[packID] = done

	if !o.throttle.Allow(time.Now(), force) {
		return
	}
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if p.ID != packID {
			continue
		}
		p.DownloadedBytes = done
		p.TotalBytes = o.packTotals[packID]
		if p.TotalBytes > 0 {
			p.Percent = int(done * 100 / p.TotalBytes)
			if p.Percent > 100 {
				p.Percent = 100
			}
		}
	}
	o.recomputeAggregateLocked()
}

func (o *Orchestrator) recomputeAggregateLocked() {
	var copied, total int64
	for _, v := range o.packDone {
		copied += v
	}
	for _, v := range o.packTotals {
		total += v
	}
	o.status.BytesCopied = copied
	o.status.BytesTotal = total
	p := overallPercent(copied, total)
	// progress never regresses within a run, even when a resolved total
	// turns out larger than the estimate
	if p > o.maxPercent {
		o.maxPercent = p
	}
	o.status.Percent = o.maxPercent
}

func (o *Orchestrator) setPackState(packID string, state types.PackState, downloadURL string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if p.ID != packID {
			continue
		}
		p.State = state
		p.DownloadURL = downloadURL
		switch state {
		case types.PackDownloading:
			o.status.Step = "installing"
			o.status.Message = "Installing " + p.Title
		case types.PackExtracting:
			o.status.Message = "Extracting " + p.Title
		}
	}
	o.throttle.Allow(time.Now(), true)
	o.recomputeAggregateLocked()
}

func (o *Orchestrator) completePack(packID string, resolvedSize int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packTotals[packID] = resolvedSize
	o.packDone[packID] = resolvedSize
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if p.ID != packID {
			continue
		}
		p.State = types.PackInstalled
		p.Percent = 100
		p.DownloadedBytes = resolvedSize
		p.TotalBytes = resolvedSize
		p.Error = ""
	}
	o.throttle.Allow(time.Now(), true)
	o.recomputeAggregateLocked()
}

func (o *Orchestrator) setPackError(packID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if p.ID == packID {
			p.State = types.PackError
			p.Error = err.Error()
		}
	}
}

func (o *Orchestrator) setStep(step, message string, percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Step = step
	o.status.Message = message
	if percent > o.status.Percent {
		o.status.Percent = percent
		o.maxPercent = percent
	}
}

func (o *Orchestrator) persistOutcome(installPath string, mode types.BackendMode, installed []string) {
	st := o.opts.Store
	if err := st.Set(settings.KeyInstallPath, installPath); err != nil {
		o.opts.Log.Warn().Err(err).Msg("persist install path")
	}
	if err := st.Set(settings.KeyBackendMode, string(mode)); err != nil {
		o.opts.Log.Warn().Err(err).Msg("persist backend mode")
	}
	if b, err := json.Marshal(installed); err == nil {
		if err := st.Set(settings.KeyInstalledPacks, string(b)); err != nil {
			o.opts.Log.Warn().Err(err).Msg("persist installed packs")
		}
	}
	if err := st.Set(settings.KeyCompletedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		o.opts.Log.Warn().Err(err).Msg("persist completion timestamp")
	}
}

func (o *Orchestrator) installedIDs(modelsDir string) []string {
	var ids []string
	for _, def := range catalog.Packs() {
		if catalog.Installed(def, modelsDir) {
			ids = append(ids, def.ID)
		}
	}
	return ids
}

func (o *Orchestrator) normalizeInstallPath(input string) (string, error) {
	path := strings.TrimSpace(input)
	if path == "" {
		path = o.status.InstallPath
	}
	if path == "" {
		path = o.status.DefaultInstallPath
	}
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

func (o *Orchestrator) normalizeBackendMode(input string) types.BackendMode {
	mode := types.BackendMode(strings.TrimSpace(input))
	if allowedBackendModes[mode] {
		return mode
	}
	if allowedBackendModes[o.status.BackendMode] {
		return o.status.BackendMode
	}
	return types.BackendAuto
}

// normalizeSelection intersects the requested ids with the catalog and always
// includes every required pack.
func (o *Orchestrator) normalizeSelection(ids []string) []string {
	var out []string
	for _, id := range catalog.RequiredIDs() {
		out = append(out, id)
	}
	for _, id := range ids {
		if _, ok := catalog.ByID(id); !ok {
			continue
		}
		if !containsString(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) failLocked(err error) {
	o.status.Phase = types.PhaseError
	o.status.Error = err.Error()
	o.status.Message = err.Error()
	o.status.Step = "error"
}

// refreshPacksLocked recomputes installed/not-installed pack states from the
// filesystem. In-flight entries keep their current values so a poll never
// visually regresses a transition.
func (o *Orchestrator) refreshPacksLocked() {
	modelsDir := filepath.Join(o.status.InstallPath, "models")
	defs := catalog.Packs()
	if len(o.status.ModelPacks) == 0 {
		o.status.ModelPacks = make([]types.ModelPackStatus, len(defs))
		for i, def := range defs {
			o.status.ModelPacks[i] = types.ModelPackStatus{ModelPackDefinition: def, State: types.PackNotInstalled}
		}
	}
	for i := range o.status.ModelPacks {
		p := &o.status.ModelPacks[i]
		if p.State.InFlight() {
			continue
		}
		if catalog.Installed(p.ModelPackDefinition, modelsDir) {
			p.State = types.PackInstalled
			p.Percent = 100
		} else if p.State != types.PackError {
			p.State = types.PackNotInstalled
			p.Percent = 0
		}
	}
}

func (o *Orchestrator) copyLocked() types.BootstrapStatus {
	out := o.status
	out.ModelPacks = make([]types.ModelPackStatus, len(o.status.ModelPacks))
	copy(out.ModelPacks, o.status.ModelPacks)
	return out
}

func effectiveBackend(requested types.BackendMode, runtimeMode types.RuntimeMode) types.BackendMode {
	if runtimeMode == types.RuntimeExpressive || requested == types.BackendSidecar {
		return types.BackendSidecar
	}
	return types.BackendEmbedded
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
