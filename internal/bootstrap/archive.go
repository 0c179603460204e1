package bootstrap

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voiced/internal/common/fsutil"
	"voiced/pkg/types"
)

// ArchiveInstaller extracts a downloaded pack archive into a scratch
// directory, locates the pack's install targets inside the extracted tree and
// replaces the destination subpaths under the models root.
type ArchiveInstaller struct {
	log zerolog.Logger
}

func NewArchiveInstaller(log zerolog.Logger) *ArchiveInstaller {
	return &ArchiveInstaller{log: log}
}

// Install extracts archivePath under scratchRoot and installs every target of
// def into modelsDir. The scratch directory is removed on both success and
// failure. Replacement is delete-then-copy, not an atomic rename.
func (a *ArchiveInstaller) Install(archivePath string, def types.ModelPackDefinition, modelsDir, scratchRoot string) error {
	extractDir := filepath.Join(scratchRoot, "extract-"+uuid.NewString())
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(extractDir)

	if err := extractArchive(archivePath, extractDir); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}

	for _, target := range def.InstallTargets {
		src, err := locateTarget(extractDir, def, target)
		if err != nil {
			return err
		}
		dest := filepath.Join(modelsDir, target)
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("clear %s: %w", dest, err)
		}
		if err := fsutil.CopyTree(src, dest); err != nil {
			return fmt.Errorf("install %s: %w", target, err)
		}
		a.log.Info().Str("pack", def.ID).Str("target", target).Msg("target installed")
	}
	return nil
}

// locateTarget finds where a target landed inside the extracted tree:
// directly under the root, under a nested models/ directory, or (for
// single-target packs only) as the sole non-hidden top-level entry.
func locateTarget(extractDir string, def types.ModelPackDefinition, target string) (string, error) {
	direct := filepath.Join(extractDir, target)
	if fsutil.PathExists(direct) {
		return direct, nil
	}
	nested := filepath.Join(extractDir, "models", target)
	if fsutil.PathExists(nested) {
		return nested, nil
	}
	if len(def.InstallTargets) == 1 {
		if sole, ok := soleVisibleEntry(extractDir); ok {
			return filepath.Join(extractDir, sole), nil
		}
	}
	return "", ErrPackTargetMissing(def.ID, target)
}

func soleVisibleEntry(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var visible []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		visible = append(visible, e.Name())
	}
	if len(visible) == 1 {
		return visible[0], true
	}
	return "", false
}

// extractArchive dispatches on the archive's magic bytes: gzip'd tar or zip.
func extractArchive(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return fmt.Errorf("read archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return extractTarGz(f, dest)
	case magic[0] == 'P' && magic[1] == 'K':
		return extractZip(path, dest)
	default:
		return fmt.Errorf("unsupported archive format")
	}
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// links and specials are not expected inside model packs
		}
	}
}

func extractZip(path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := zf.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, zf.Mode().Perm()|0o600)
		if err != nil {
			in.Close()
			return err
		}
		_, cerr := io.Copy(out, in)
		in.Close()
		if err := out.Close(); cerr == nil {
			cerr = err
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

// safeJoin rejects entries that would escape the extraction root.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if target != filepath.Clean(root) && !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes extraction root: %s", name)
	}
	return target, nil
}
