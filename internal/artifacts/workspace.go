// Package artifacts keeps a local copy of every generated project under
// <root>/<name>/ together with a deployment.yaml manifest, and optionally
// mirrors both to S3-compatible object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// ManifestName is the manifest file written next to the project files.
const ManifestName = "deployment.yaml"

// maxLoadedFile bounds files read back as previous-round context.
const maxLoadedFile = 256 << 10

var (
	// ErrNoArtifacts is returned by LoadFiles when nothing was saved under name.
	ErrNoArtifacts = errors.New("no artifacts")
	// ErrUnsafePath is returned by Save for a name or file path that would
	// resolve outside Root.
	ErrUnsafePath = errors.New("unsafe artifact path")
)

// Mirror receives a copy of every artifact written locally.
type Mirror interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
}

// Workspace writes projects below Root.
type Workspace struct {
	Root   string
	mirror Mirror
	log    zerolog.Logger
}

// NewWorkspace returns a Workspace rooted at root. mirror may be nil.
func NewWorkspace(root string, mirror Mirror, logger zerolog.Logger) *Workspace {
	return &Workspace{Root: root, mirror: mirror, log: logger}
}

// Dir is the directory holding the artifacts of name.
func (w *Workspace) Dir(name string) string {
	return filepath.Join(w.Root, name)
}

// Save writes every project file under Dir(name). Existing files with the
// same path are replaced atomically.
func (w *Workspace) Save(ctx context.Context, name string, p *domain.Project) error {
	if clean, ok := domain.SanitizePath(name); !ok || clean != name || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	dir := w.Dir(name)
	for _, f := range p.Files {
		rel, ok := domain.SanitizePath(f.Path)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnsafePath, f.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := atomicWrite(target, f.Content); err != nil {
			return fmt.Errorf("save %s/%s: %w", name, rel, err)
		}
		w.mirrorPut(ctx, name, rel, f.Content)
	}
	return nil
}

// LoadFiles reads back the files saved under name, excluding the manifest
// and any git metadata. Paths are sorted.
func (w *Workspace) LoadFiles(name string) ([]domain.File, error) {
	dir := w.Dir(name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoArtifacts
	}

	var out []domain.File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == ManifestName || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxLoadedFile {
			w.log.Debug().Str("file", rel).Int64("size", info.Size()).Msg("skipping large artifact")
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, domain.File{Path: rel, Content: b})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if len(out) == 0 {
		return nil, ErrNoArtifacts
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (w *Workspace) mirrorPut(ctx context.Context, name, rel string, content []byte) {
	if w.mirror == nil {
		return
	}
	key := path.Join(name, rel)
	if err := w.mirror.Put(ctx, key, content, contentType(rel)); err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("artifact mirror upload failed")
	}
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// atomicWrite writes content to a temp file in the target directory and
// renames it into place.
func atomicWrite(target string, content []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
