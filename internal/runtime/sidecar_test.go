package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voiced/pkg/types"
)

// testSidecar wraps a sidecarBackend around an httptest server standing in
// for the spawned process.
func testSidecar(t *testing.T, handler http.Handler) *sidecarBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &sidecarBackend{
		baseURL: srv.URL,
		client:  srv.Client(),
		log:     zerolog.Nop(),
	}
}

func TestSidecarEnv(t *testing.T) {
	env := sidecarEnv("/opt/voiced/models", 43111)
	want := []string{
		"VOICED_MODELS_DIR=/opt/voiced/models",
		"VOICED_SIDECAR_PORT=43111",
		"HF_HOME=/opt/voiced/models/.hf-cache",
		"HF_HUB_CACHE=/opt/voiced/models/.hf-cache/hub",
		"HF_HUB_OFFLINE=1",
		"TRANSFORMERS_OFFLINE=1",
	}
	for _, w := range want {
		found := false
		for _, e := range env {
			if e == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("sidecar env missing %q", w)
		}
	}
}

func TestSidecarVoicesAndValidate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("voices method = %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{"voices": []types.Voice{
			{ID: "chatterbox_expressive", Model: "chatterbox", Label: "Expressive"},
		}})
	})
	mux.HandleFunc("/validate-tags", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		json.NewEncoder(w).Encode(ValidateTags(in.Text))
	})
	b := testSidecar(t, mux)

	ctx := context.Background()
	voices, err := b.Voices(ctx)
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "chatterbox_expressive" {
		t.Fatalf("voices = %+v", voices)
	}

	v, err := b.ValidateTags(ctx, "[laughs] then [shouts]")
	if err != nil {
		t.Fatalf("ValidateTags: %v", err)
	}
	if v.IsValid || !reflect.DeepEqual(v.InvalidTags, []string{"shouts"}) {
		t.Fatalf("validation = %+v", v)
	}
}

func TestSidecarPreview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		var req types.PreviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode tts body: %v", err)
		}
		if req.VoiceID != "chatterbox_expressive" {
			t.Errorf("voice = %s", req.VoiceID)
		}
		json.NewEncoder(w).Encode(types.PreviewResult{WavPath: req.OutputDir + "/preview.wav", Engine: "chatterbox"})
	})
	b := testSidecar(t, mux)

	res, err := b.Preview(context.Background(), types.PreviewRequest{
		Text: "[laughs] hello", VoiceID: "chatterbox_expressive", Model: "chatterbox", OutputDir: "/tmp/out",
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.WavPath != "/tmp/out/preview.wav" || res.Engine != "chatterbox" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSidecarBatchReportsPerSegmentProgress(t *testing.T) {
	var served int
	mux := http.NewServeMux()
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		served++
		var req types.PreviewRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(types.PreviewResult{WavPath: "/tmp/out/" + req.Text + ".wav", Engine: "chatterbox"})
	})
	b := testSidecar(t, mux)

	req := types.BatchRequest{
		OutputDir: "/tmp/out",
		Segments: []types.Segment{
			{ID: "a", Text: "one", VoiceID: "chatterbox_expressive"},
			{ID: "b", Text: "two", VoiceID: "chatterbox_expressive"},
			{ID: "c", Text: "three", VoiceID: "chatterbox_expressive"},
		},
	}
	var progress []types.BatchProgress
	res, err := b.Batch(context.Background(), req, func(p types.BatchProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if served != 3 {
		t.Fatalf("tts calls = %d, want one per segment", served)
	}
	if len(res.WavPaths) != 3 || res.WavPaths[1] != "/tmp/out/two.wav" {
		t.Fatalf("wav paths = %v", res.WavPaths)
	}
	if len(progress) != 3 {
		t.Fatalf("progress reports = %d, want 3", len(progress))
	}
	for i, p := range progress {
		if p.Completed != i+1 || p.Total != 3 {
			t.Fatalf("progress[%d] = %+v", i, p)
		}
	}
}

func TestSidecarBatchStopsAtFirstFailure(t *testing.T) {
	var served int
	mux := http.NewServeMux()
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		served++
		if served == 2 {
			http.Error(w, "engine blew up", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(types.PreviewResult{WavPath: "/tmp/x.wav", Engine: "chatterbox"})
	})
	b := testSidecar(t, mux)

	req := types.BatchRequest{Segments: []types.Segment{{ID: "a", Text: "1"}, {ID: "b", Text: "2"}, {ID: "c", Text: "3"}}}
	res, err := b.Batch(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if !strings.Contains(err.Error(), "segment b") {
		t.Fatalf("err = %v, want the failing segment named", err)
	}
	if served != 2 {
		t.Fatalf("tts calls = %d, want the batch to stop at the failure", served)
	}
	if len(res.WavPaths) != 1 {
		t.Fatalf("partial results = %v, want the one finished segment", res.WavPaths)
	}
}

func TestSidecarHealthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	b := testSidecar(t, mux)
	if !b.Healthy(context.Background()) {
		t.Fatal("healthy endpoint reported unhealthy")
	}

	down := testSidecar(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	if down.Healthy(context.Background()) {
		t.Fatal("503 reported healthy")
	}
}

func TestSidecarAwaitReadyTimeoutCarriesStderr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	tail := newTailBuffer(stderrTailCap)
	tail.Write([]byte("ModuleNotFoundError: No module named 'torch'"))
	b := &sidecarBackend{
		baseURL:   srv.URL,
		client:    srv.Client(),
		stderr:    tail,
		waitErrCh: make(chan error, 1),
		log:       zerolog.Nop(),
	}

	err := b.awaitReady(context.Background(), 10*time.Millisecond)
	if !IsStartFailed(err) {
		t.Fatalf("err = %v, want start failure", err)
	}
	if !strings.Contains(err.Error(), "No module named 'torch'") {
		t.Fatalf("err = %v, want the stderr tail surfaced", err)
	}
}

func TestSidecarAwaitReadyExitCarriesStderr(t *testing.T) {
	tail := newTailBuffer(stderrTailCap)
	tail.Write([]byte("Traceback (most recent call last)"))
	exited := make(chan error, 1)
	exited <- errors.New("exit status 1")
	b := &sidecarBackend{stderr: tail, waitErrCh: exited, log: zerolog.Nop()}

	err := b.awaitReady(context.Background(), time.Second)
	if !IsStartFailed(err) {
		t.Fatalf("err = %v, want start failure", err)
	}
	if !strings.Contains(err.Error(), "exit status 1") || !strings.Contains(err.Error(), "Traceback") {
		t.Fatalf("err = %v, want exit error and stderr tail surfaced", err)
	}
}
