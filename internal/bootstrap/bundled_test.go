package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestBundledInstallCopiesTargets(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		"kokoro/model.onnx":          "weights",
		"kokoro/voices/af_heart.bin": "voice",
		"unrelated/skip.me":          "not a target",
	})
	modelsDir := filepath.Join(t.TempDir(), "models")

	var emits [][2]int64
	b := NewBundledInstaller(zerolog.Nop())
	total, err := b.Install(kokoroDef(), bundle, modelsDir, func(copied, total int64) {
		emits = append(emits, [2]int64{copied, total})
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantTotal := int64(len("weights") + len("voice"))
	if total != wantTotal {
		t.Fatalf("total = %d, want %d", total, wantTotal)
	}
	mustContent(t, filepath.Join(modelsDir, "kokoro", "model.onnx"), "weights")
	mustContent(t, filepath.Join(modelsDir, "kokoro", "voices", "af_heart.bin"), "voice")
	if _, err := os.Stat(filepath.Join(modelsDir, "unrelated")); !os.IsNotExist(err) {
		t.Fatal("non-target content was copied")
	}

	if len(emits) < 2 {
		t.Fatalf("expected an initial and per-file progress report, got %d", len(emits))
	}
	if emits[0] != [2]int64{0, wantTotal} {
		t.Fatalf("first emit = %v, want {0 %d}", emits[0], wantTotal)
	}
	last := emits[len(emits)-1]
	if last != [2]int64{wantTotal, wantTotal} {
		t.Fatalf("last emit = %v, want {%d %d}", last, wantTotal, wantTotal)
	}
	for i := 1; i < len(emits); i++ {
		if emits[i][0] < emits[i-1][0] {
			t.Fatalf("copied bytes regressed: %v -> %v", emits[i-1], emits[i])
		}
	}
}

func TestBundledInstallSkipsSameSizeFiles(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"kokoro/model.onnx": "weights"})
	modelsDir := filepath.Join(t.TempDir(), "models")

	// pre-seed the destination with a same-size file carrying different bytes
	dst := filepath.Join(modelsDir, "kokoro", "model.onnx")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("wEIGHTS"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewBundledInstaller(zerolog.Nop())
	total, err := b.Install(kokoroDef(), bundle, modelsDir, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if total != int64(len("weights")) {
		t.Fatalf("total = %d, want %d", total, len("weights"))
	}
	// size-equal destination is left untouched
	mustContent(t, dst, "wEIGHTS")
}

func TestBundledInstallMissingTarget(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"chatterbox/weights.safetensors": "tensor"})

	b := NewBundledInstaller(zerolog.Nop())
	_, err := b.Install(chatterboxDef(), bundle, filepath.Join(t.TempDir(), "models"), nil)
	if !IsPackTargetMissing(err) {
		t.Fatalf("err = %v, want pack target missing", err)
	}
}
