package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes one deployment attempt of a project directory.
type Manifest struct {
	Task        string    `yaml:"task"`
	Round       int       `yaml:"round"`
	Nonce       string    `yaml:"nonce"`
	Email       string    `yaml:"email,omitempty"`
	Status      string    `yaml:"status"`
	Files       []string  `yaml:"files"`
	Attachments []string  `yaml:"attachments,omitempty"`
	RepoURL     string    `yaml:"repo_url,omitempty"`
	CommitSHA   string    `yaml:"commit_sha,omitempty"`
	PagesURL    string    `yaml:"pages_url,omitempty"`
	Error       string    `yaml:"error,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// WriteManifest stores m as deployment.yaml under Dir(name).
func (w *Workspace) WriteManifest(ctx context.Context, name string, m Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	if err := atomicWrite(filepath.Join(w.Dir(name), ManifestName), b); err != nil {
		return fmt.Errorf("write manifest %s: %w", name, err)
	}
	w.mirrorPut(ctx, name, ManifestName, b)
	return nil
}

// ReadManifest loads the manifest of name. It returns ErrNoArtifacts when
// none was written.
func (w *Workspace) ReadManifest(name string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(w.Dir(name), ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoArtifacts
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", name, err)
	}
	return &m, nil
}
