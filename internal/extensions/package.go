// Package extensions manages extension packages: zip inspection and
// safe extraction, plus the registry of installed extensions.
package extensions

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentos-dev/agentos/pkg/models"
)

// MaxPackageBytes caps the total uncompressed size of a package.
const MaxPackageBytes = 50 << 20

// ManifestFilename is the required manifest entry inside the package
// root directory.
const ManifestFilename = "manifest.json"

// PackageInfo is the result of inspecting a package without extracting
// it.
type PackageInfo struct {
	Manifest *models.ExtensionManifest
	// Root is the single top-level directory every entry lives under.
	Root string
	// SHA256 is the hex digest of the package file.
	SHA256 string
}

// InspectPackage validates a package zip and returns its manifest. The
// archive must contain a single top-level directory, stay under the
// size cap, and contain no traversal entries or symlinks.
func InspectPackage(path string) (*PackageInfo, error) {
	digest, err := FileSHA256(path)
	if err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer r.Close()

	root, err := validateEntries(&r.Reader)
	if err != nil {
		return nil, err
	}

	manifest, err := readManifest(&r.Reader, root)
	if err != nil {
		return nil, err
	}
	return &PackageInfo{Manifest: manifest, Root: root, SHA256: digest}, nil
}

// ExtractPackage validates and unpacks a package into destDir,
// returning the absolute path of the extracted root directory.
func ExtractPackage(path, destDir string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open package: %w", err)
	}
	defer r.Close()

	root, err := validateEntries(&r.Reader)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}
	return filepath.Join(destDir, root), nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	mode := f.Mode().Perm() & 0o755
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	// The per-entry limit backs up the whole-archive cap against lying
	// size headers.
	n, err := io.Copy(dst, io.LimitReader(src, MaxPackageBytes+1))
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if n > MaxPackageBytes {
		return fmt.Errorf("entry %s exceeds the package size cap", f.Name)
	}
	return nil
}

// validateEntries enforces the package constraints and returns the
// single top-level directory name.
func validateEntries(r *zip.Reader) (string, error) {
	if len(r.File) == 0 {
		return "", fmt.Errorf("package is empty")
	}
	var total uint64
	root := ""
	for _, f := range r.File {
		name := f.Name
		if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
			return "", fmt.Errorf("illegal entry name %q", name)
		}
		for _, part := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
			if part == ".." {
				return "", fmt.Errorf("path traversal entry %q", name)
			}
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("symlink entry %q is not allowed", name)
		}

		top := strings.SplitN(name, "/", 2)[0]
		if root == "" {
			root = top
		} else if top != root {
			return "", fmt.Errorf("package must have a single top-level directory, found %q and %q", root, top)
		}
		if !strings.Contains(name, "/") && !f.FileInfo().IsDir() {
			return "", fmt.Errorf("file %q outside the top-level directory", name)
		}

		total += f.UncompressedSize64
		if total > MaxPackageBytes {
			return "", fmt.Errorf("package exceeds %d bytes uncompressed", MaxPackageBytes)
		}
	}
	return root, nil
}

func readManifest(r *zip.Reader, root string) (*models.ExtensionManifest, error) {
	want := root + "/" + ManifestFilename
	for _, f := range r.File {
		if f.Name != want {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer src.Close()
		data, err := io.ReadAll(io.LimitReader(src, 1<<20))
		if err != nil {
			return nil, err
		}
		var m models.ExtensionManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ManifestFilename, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("package has no %s", want)
}

// FileSHA256 returns the hex sha256 digest of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
