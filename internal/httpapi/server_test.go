package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"voiced/internal/bootstrap"
	"voiced/internal/runtime"
	"voiced/pkg/types"
)

type fakeBootstrap struct {
	status    types.BootstrapStatus
	lastInput bootstrap.StartInput
	autoStart bool
}

func (f *fakeBootstrap) GetStatus() types.BootstrapStatus { return f.status }
func (f *fakeBootstrap) Start(input bootstrap.StartInput) types.BootstrapStatus {
	f.lastInput = input
	f.status.Phase = types.PhaseRunning
	return f.status
}
func (f *fakeBootstrap) SetAutoStartEnabled(enabled bool) error {
	f.autoStart = enabled
	return nil
}

type fakeRuntime struct {
	health     types.RuntimeHealth
	wakeErr    error
	stopped    bool
	policy     types.ResourcePolicy
	voices     []types.Voice
	previewErr error
	batchErr   error
}

func (f *fakeRuntime) Health(context.Context) types.RuntimeHealth { return f.health }
func (f *fakeRuntime) Wake(context.Context) error                 { return f.wakeErr }
func (f *fakeRuntime) Stop()                                      { f.stopped = true }
func (f *fakeRuntime) Policy() types.ResourcePolicy               { return f.policy }
func (f *fakeRuntime) SetResourcePolicy(p types.ResourcePolicy) error {
	f.policy = p
	return nil
}
func (f *fakeRuntime) Voices(context.Context) ([]types.Voice, error) { return f.voices, nil }
func (f *fakeRuntime) Validate(_ context.Context, text string) (types.TagValidation, error) {
	return runtime.ValidateTags(text), nil
}
func (f *fakeRuntime) Preview(_ context.Context, req types.PreviewRequest) (types.PreviewResult, error) {
	if f.previewErr != nil {
		return types.PreviewResult{}, f.previewErr
	}
	return types.PreviewResult{WavPath: req.OutputDir + "/out.wav", Engine: "kokoro"}, nil
}
func (f *fakeRuntime) Batch(_ context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error) {
	if f.batchErr != nil {
		return types.BatchResult{}, f.batchErr
	}
	var res types.BatchResult
	for i := range req.Segments {
		if onProgress != nil {
			onProgress(types.BatchProgress{Completed: i + 1, Total: len(req.Segments), WavPath: "/tmp/seg.wav"})
		}
		res.WavPaths = append(res.WavPaths, "/tmp/seg.wav")
		res.Engines = append(res.Engines, "kokoro")
	}
	return res, nil
}

func newTestServer(t *testing.T, fb *fakeBootstrap, fr *fakeRuntime) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewMux(MuxOptions{Bootstrap: fb, Runtime: fr, Log: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestBootstrapStatusEndpoint(t *testing.T) {
	fb := &fakeBootstrap{status: types.BootstrapStatus{Phase: types.PhaseAwaitingInput, FirstRun: true}}
	srv := newTestServer(t, fb, &fakeRuntime{})

	resp, err := http.Get(srv.URL + "/bootstrap/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st types.BootstrapStatus
	decodeInto(t, resp, &st)
	if st.Phase != types.PhaseAwaitingInput || !st.FirstRun {
		t.Fatalf("body = %+v", st)
	}
}

func TestBootstrapStartEndpoint(t *testing.T) {
	fb := &fakeBootstrap{}
	srv := newTestServer(t, fb, &fakeRuntime{})

	resp := postJSON(t, srv.URL+"/bootstrap/start", `{"installPath":"/data","backendMode":"auto","packIds":["chatterbox"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if fb.lastInput.InstallPath != "/data" || len(fb.lastInput.PackIDs) != 1 {
		t.Fatalf("forwarded input = %+v", fb.lastInput)
	}

	// wrong content type is rejected before the service sees it
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/bootstrap/start", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("form post status = %d", resp2.StatusCode)
	}
}

func TestAutoStartEndpoint(t *testing.T) {
	fb := &fakeBootstrap{}
	srv := newTestServer(t, fb, &fakeRuntime{})

	resp := postJSON(t, srv.URL+"/bootstrap/autostart", `{"enabled":true}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !fb.autoStart {
		t.Fatal("auto-start not forwarded")
	}
}

func TestRuntimeStartNotConfigured(t *testing.T) {
	fr := &fakeRuntime{wakeErr: runtime.ErrNotConfigured()}
	srv := newTestServer(t, &fakeBootstrap{}, fr)

	resp := postJSON(t, srv.URL+"/runtime/start", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var e types.ErrorResponse
	decodeInto(t, resp, &e)
	if e.Code != http.StatusConflict || e.Error == "" {
		t.Fatalf("error body = %+v", e)
	}
}

func TestRuntimeStopEndpoint(t *testing.T) {
	fr := &fakeRuntime{health: types.RuntimeHealth{Active: true, Healthy: true}}
	srv := newTestServer(t, &fakeBootstrap{}, fr)

	resp := postJSON(t, srv.URL+"/runtime/stop", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !fr.stopped {
		t.Fatalf("status = %d stopped = %v", resp.StatusCode, fr.stopped)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	fr := &fakeRuntime{policy: types.ResourcePolicy{IdleStopMs: 300000}}
	srv := newTestServer(t, &fakeBootstrap{}, fr)

	resp, err := http.Get(srv.URL + "/runtime/policy")
	if err != nil {
		t.Fatal(err)
	}
	var p types.ResourcePolicy
	decodeInto(t, resp, &p)
	if p.IdleStopMs != 300000 {
		t.Fatalf("policy = %+v", p)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/runtime/policy", strings.NewReader(`{"strictWakeOnly":true,"idleStopDurationMs":60000}`))
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp2.StatusCode)
	}
	if !fr.policy.StrictWakeOnly || fr.policy.IdleStopMs != 60000 {
		t.Fatalf("stored policy = %+v", fr.policy)
	}

	req3, _ := http.NewRequest(http.MethodPut, srv.URL+"/runtime/policy", strings.NewReader(`{"idleStopDurationMs":-5}`))
	req3.Header.Set("Content-Type", "application/json")
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative idle status = %d, want 400", resp3.StatusCode)
	}
}

func TestVoicesAndValidateEndpoints(t *testing.T) {
	fr := &fakeRuntime{voices: []types.Voice{{ID: "kokoro_narrator", Model: "kokoro"}}}
	srv := newTestServer(t, &fakeBootstrap{}, fr)

	resp, err := http.Get(srv.URL + "/voices")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Voices []types.Voice `json:"voices"`
	}
	decodeInto(t, resp, &out)
	if len(out.Voices) != 1 || out.Voices[0].ID != "kokoro_narrator" {
		t.Fatalf("voices = %+v", out.Voices)
	}

	resp2 := postJSON(t, srv.URL+"/validate-tags", `{"text":"[laughs] and [explodes]"}`)
	var v types.TagValidation
	decodeInto(t, resp2, &v)
	if v.IsValid || len(v.InvalidTags) != 1 || v.InvalidTags[0] != "explodes" {
		t.Fatalf("validation = %+v", v)
	}
}

func TestPreviewEndpointValidation(t *testing.T) {
	srv := newTestServer(t, &fakeBootstrap{}, &fakeRuntime{})

	resp := postJSON(t, srv.URL+"/preview", `{"voiceId":"kokoro_narrator"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing text status = %d", resp.StatusCode)
	}

	resp2 := postJSON(t, srv.URL+"/preview", `{"text":"hi","voiceId":"kokoro_narrator","outputDir":"/tmp"}`)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", resp2.StatusCode)
	}
	var res types.PreviewResult
	decodeInto(t, resp2, &res)
	if res.WavPath != "/tmp/out.wav" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBatchEndpointStreamsProgress(t *testing.T) {
	srv := newTestServer(t, &fakeBootstrap{}, &fakeRuntime{})

	body := `{"outputDir":"/tmp","segments":[{"id":"a","text":"one","voiceId":"kokoro_narrator"},{"id":"b","text":"two","voiceId":"kokoro_narrator"}]}`
	resp := postJSON(t, srv.URL+"/batch", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("content type = %s", ct)
	}

	var progress, results int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line struct {
			Type     string   `json:"type"`
			WavPaths []string `json:"wavPaths"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		switch line.Type {
		case "progress":
			progress++
		case "result":
			results++
			if len(line.WavPaths) != 2 {
				t.Fatalf("result paths = %v", line.WavPaths)
			}
		}
	}
	if progress != 2 || results != 1 {
		t.Fatalf("progress = %d results = %d", progress, results)
	}
}

func TestBatchEndpointRejectsEmptyScript(t *testing.T) {
	srv := newTestServer(t, &fakeBootstrap{}, &fakeRuntime{})

	resp := postJSON(t, srv.URL+"/batch", `{"segments":[]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReadyzTracksBootstrapPhase(t *testing.T) {
	fb := &fakeBootstrap{status: types.BootstrapStatus{Phase: types.PhaseAwaitingInput}}
	srv := newTestServer(t, fb, &fakeRuntime{})

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", resp.StatusCode)
	}

	fb.status.Phase = types.PhaseReady
	resp2, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("readyz when ready = %d", resp2.StatusCode)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeBootstrap{}, &fakeRuntime{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body.String() != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body.String())
	}

	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp2.StatusCode)
	}
}
