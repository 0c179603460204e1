// Package catalog holds the static table of installable model packs and the
// rules for resolving where a pack's payload comes from.
package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"voiced/internal/common/fsutil"
	"voiced/pkg/types"
)

// packs is the fixed catalog. Order matters: packs install in table order.
var packs = []types.ModelPackDefinition{
	{
		ID:             "kokoro",
		Title:          "Kokoro narration",
		Description:    "Compact narration model with the bundled voice library",
		EstimatedBytes: 360 << 20,
		Required:       true,
		InstallTargets: []string{"kokoro"},
		RemoteURLEnv:   "VOICED_KOKORO_PACK_URL",
	},
	{
		ID:             "chatterbox",
		Title:          "Chatterbox expressive",
		Description:    "Expression-heavy dialogue model plus its offline tokenizer cache",
		EstimatedBytes: 2300 << 20,
		Recommended:    true,
		Expressive:     true,
		InstallTargets: []string{"chatterbox", ".hf-cache"},
		RemoteURLEnv:   "VOICED_CHATTERBOX_PACK_URL",
	},
}

// Packs returns the catalog in install order. The returned slice is a copy.
func Packs() []types.ModelPackDefinition {
	out := make([]types.ModelPackDefinition, len(packs))
	copy(out, packs)
	return out
}

// ByID looks up a pack definition.
func ByID(id string) (types.ModelPackDefinition, bool) {
	for _, p := range packs {
		if p.ID == id {
			return p, true
		}
	}
	return types.ModelPackDefinition{}, false
}

// RequiredIDs returns the ids of all required packs.
func RequiredIDs() []string {
	var ids []string
	for _, p := range packs {
		if p.Required {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// SourceKind distinguishes where a pack's payload comes from.
type SourceKind string

const (
	SourceRemote  SourceKind = "remote"
	SourceBundled SourceKind = "bundled"
)

// Source is a resolved pack origin: either a download URL or a directory
// shipped alongside the application.
type Source struct {
	Kind SourceKind
	URL  string // set when Kind == SourceRemote
	Dir  string // set when Kind == SourceBundled
}

// ResolveSource decides between a remote archive and the bundled tree.
// A non-empty value in the pack's override environment variable wins;
// bundled is the default.
func ResolveSource(def types.ModelPackDefinition, bundleDir string) Source {
	if def.RemoteURLEnv != "" {
		if url := strings.TrimSpace(os.Getenv(def.RemoteURLEnv)); url != "" {
			return Source{Kind: SourceRemote, URL: url}
		}
	}
	return Source{Kind: SourceBundled, Dir: bundleDir}
}

// Installed reports whether every install target of the pack exists under
// modelsDir. This is the sole definition of "installed".
func Installed(def types.ModelPackDefinition, modelsDir string) bool {
	for _, target := range def.InstallTargets {
		if !fsutil.PathExists(filepath.Join(modelsDir, target)) {
			return false
		}
	}
	return true
}

// RuntimeModeFor derives the runtime mode from a set of installed pack ids:
// any expressive pack forces the expressive (sidecar) runtime.
func RuntimeModeFor(installedIDs []string) types.RuntimeMode {
	for _, id := range installedIDs {
		if def, ok := ByID(id); ok && def.Expressive {
			return types.RuntimeExpressive
		}
	}
	return types.RuntimeStandard
}
