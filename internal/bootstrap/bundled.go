package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"voiced/internal/common/fsutil"
	"voiced/pkg/types"
)

// BundledInstaller copies a pack's install targets from the bundled source
// tree shipped alongside the application into the models root.
type BundledInstaller struct {
	log zerolog.Logger
}

func NewBundledInstaller(log zerolog.Logger) *BundledInstaller {
	return &BundledInstaller{log: log}
}

type manifestEntry struct {
	rel  string // path relative to the bundle root, e.g. "kokoro/config.json"
	size int64
}

// Install copies every install target of def from bundleDir into modelsDir.
// It verifies all targets up front, reports cumulative byte progress after
// every file (skipped or copied) and returns the manifest's total size.
// A destination file with an identical size is treated as already copied;
// contents are not hashed.
func (b *BundledInstaller) Install(def types.ModelPackDefinition, bundleDir, modelsDir string, onProgress func(copied, total int64)) (int64, error) {
	for _, target := range def.InstallTargets {
		if !fsutil.PathExists(filepath.Join(bundleDir, target)) {
			return 0, ErrPackTargetMissing(def.ID, target)
		}
	}

	manifest, total, err := buildManifest(bundleDir, def.InstallTargets)
	if err != nil {
		return 0, err
	}

	// Create destination directories first so progress can start at a known
	// 0-of-total before any byte moves.
	for _, target := range def.InstallTargets {
		if err := os.MkdirAll(filepath.Join(modelsDir, target), 0o755); err != nil {
			return 0, err
		}
	}
	if onProgress != nil {
		onProgress(0, total)
	}

	b.log.Info().Str("pack", def.ID).Int("files", len(manifest)).
		Str("size", humanize.Bytes(uint64(total))).Msg("bundled copy start")

	var copied int64
	for _, entry := range manifest {
		src := filepath.Join(bundleDir, entry.rel)
		dst := filepath.Join(modelsDir, entry.rel)
		if info, err := os.Stat(dst); err == nil && info.Size() == entry.size {
			// same-size destination counts as already installed
			copied += entry.size
		} else {
			if _, err := fsutil.CopyFile(src, dst); err != nil {
				return copied, fmt.Errorf("copy %s: %w", entry.rel, err)
			}
			copied += entry.size
		}
		if onProgress != nil {
			onProgress(copied, total)
		}
	}
	return total, nil
}

// buildManifest walks each target and produces a flat, relative-path-sorted
// list of files with sizes.
func buildManifest(bundleDir string, targets []string) ([]manifestEntry, int64, error) {
	var manifest []manifestEntry
	var total int64
	for _, target := range targets {
		root := filepath.Join(bundleDir, target)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(bundleDir, path)
			if err != nil {
				return err
			}
			manifest = append(manifest, manifestEntry{rel: rel, size: info.Size()})
			total += info.Size()
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].rel < manifest[j].rel })
	return manifest, total, nil
}
