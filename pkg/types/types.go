package types

// PackState is the lifecycle state of a model pack install.
type PackState string

const (
	PackNotInstalled PackState = "not-installed"
	PackQueued       PackState = "queued"
	PackDownloading  PackState = "downloading"
	PackExtracting   PackState = "extracting"
	PackInstalled    PackState = "installed"
	PackError        PackState = "error"
)

// InFlight reports whether the pack is mid-transition; status refreshes must
// not overwrite an in-flight state with a recomputed one.
func (s PackState) InFlight() bool {
	return s == PackQueued || s == PackDownloading || s == PackExtracting
}

// Phase is the top-level bootstrap phase.
type Phase string

const (
	PhaseAwaitingInput Phase = "awaiting-input"
	PhaseRunning       Phase = "running"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
)

// BackendMode selects which synthesis backend the supervisor should run.
type BackendMode string

const (
	BackendAuto     BackendMode = "auto"
	BackendEmbedded BackendMode = "embedded"
	BackendSidecar  BackendMode = "sidecar"
)

// RuntimeMode is derived from the installed packs: an expressive pack forces
// the sidecar runtime, everything else runs on the embedded engine.
type RuntimeMode string

const (
	RuntimeStandard   RuntimeMode = "standard"
	RuntimeExpressive RuntimeMode = "expressive"
)

// ModelPackDefinition is an immutable catalog entry.
type ModelPackDefinition struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	EstimatedBytes int64    `json:"estimatedBytes"`
	Required       bool     `json:"required"`
	Recommended    bool     `json:"recommended"`
	Expressive     bool     `json:"expressive"`
	InstallTargets []string `json:"installTargets"`
	RemoteURLEnv   string   `json:"remoteUrlEnv"`
}

// ModelPackStatus is the mutable per-pack view derived from a definition.
type ModelPackStatus struct {
	ModelPackDefinition
	State           PackState `json:"state"`
	Percent         int       `json:"percent"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	Error           string    `json:"error,omitempty"`
	DownloadURL     string    `json:"downloadUrl,omitempty"`
}

// RuntimeConfig identifies a backend configuration. Two configs being equal
// means a running backend can be reused instead of restarted.
type RuntimeConfig struct {
	ModelsDir   string      `json:"modelsDir"`
	BackendMode BackendMode `json:"backendMode"`
	RuntimeMode RuntimeMode `json:"runtimeMode"`
}

func (c RuntimeConfig) Equal(o RuntimeConfig) bool {
	return c.ModelsDir == o.ModelsDir && c.BackendMode == o.BackendMode && c.RuntimeMode == o.RuntimeMode
}

// BootstrapStatus is the orchestrator's top-level state snapshot.
type BootstrapStatus struct {
	Phase              Phase             `json:"phase"`
	FirstRun           bool              `json:"firstRun"`
	DefaultInstallPath string            `json:"defaultInstallPath"`
	InstallPath        string            `json:"installPath"`
	BackendMode        BackendMode       `json:"backendMode"`
	Step               string            `json:"step"`
	Message            string            `json:"message"`
	Percent            int               `json:"percent"`
	BytesCopied        int64             `json:"bytesCopied"`
	BytesTotal         int64             `json:"bytesTotal"`
	ModelPacks         []ModelPackStatus `json:"modelPacks"`
	Error              string            `json:"error,omitempty"`
	AutoStart          bool              `json:"autoStart"`
}

// ResourcePolicy gates on-demand backend wakes and idle shutdown.
type ResourcePolicy struct {
	StrictWakeOnly bool  `json:"strictWakeOnly"`
	IdleStopMs     int64 `json:"idleStopDurationMs"`
}

// Voice describes one entry of the synthesis voice library.
type Voice struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// TagValidation reports which expression tags in a text are unsupported.
// NormalizedText is the text with every tag stripped, as the standard engine
// would speak it.
type TagValidation struct {
	IsValid        bool     `json:"isValid"`
	InvalidTags    []string `json:"invalidTags"`
	SupportedTags  []string `json:"supportedTags"`
	NormalizedText string   `json:"normalizedText,omitempty"`
}

// PreviewRequest synthesizes a single utterance to a WAV file.
type PreviewRequest struct {
	Text           string   `json:"text"`
	VoiceID        string   `json:"voiceId"`
	Model          string   `json:"model"`
	Speed          float64  `json:"speed,omitempty"`
	ExpressionTags []string `json:"expressionTags,omitempty"`
	OutputDir      string   `json:"outputDir"`
}

// PreviewResult is the outcome of a preview synthesis.
type PreviewResult struct {
	WavPath string `json:"wavPath"`
	Engine  string `json:"engine"`
}

// Segment is one unit of a batch synthesis request.
type Segment struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	VoiceID        string   `json:"voiceId"`
	Model          string   `json:"model"`
	Speed          float64  `json:"speed,omitempty"`
	ExpressionTags []string `json:"expressionTags,omitempty"`
}

// BatchRequest synthesizes a sequence of segments into one output directory.
type BatchRequest struct {
	Segments  []Segment `json:"segments"`
	OutputDir string    `json:"outputDir"`
}

// BatchResult carries per-segment outputs in request order.
type BatchResult struct {
	WavPaths []string `json:"wavPaths"`
	Engines  []string `json:"engines"`
}

// BatchProgress is a forward-motion report for a running batch.
type BatchProgress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	WavPath   string `json:"wavPath,omitempty"`
}

// RuntimeHealth summarizes the supervisor's view of the active backend.
type RuntimeHealth struct {
	Active      bool        `json:"active"`
	Healthy     bool        `json:"healthy"`
	BackendMode BackendMode `json:"backendMode,omitempty"`
	RuntimeMode RuntimeMode `json:"runtimeMode,omitempty"`
	ModelStatus string      `json:"modelStatus,omitempty"`
}

// ErrorResponse is the JSON error payload returned by the HTTP API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
