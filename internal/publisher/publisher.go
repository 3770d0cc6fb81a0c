// Package publisher turns a generated project into a published revision.
// GitHub creates (or reuses) a repository, pushes one commit with go-git
// from an in-memory clone and enables GitHub Pages. Local commits into a
// repository on disk and returns file:// URLs, for runs without GitHub.
package publisher

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// ErrUnsafePath is returned when a project file would land outside the
// repository worktree.
var ErrUnsafePath = errors.New("unsafe project path")

// noJekyll disables Jekyll processing on GitHub Pages so files and
// directories starting with "_" are served as-is.
const noJekyll = ".nojekyll"

// Author identifies the committer of published revisions.
type Author struct {
	Name  string
	Email string
}

func (a Author) signature(now time.Time) *object.Signature {
	return &object.Signature{Name: a.Name, Email: a.Email, When: now}
}

// withNoJekyll returns a copy of p that carries an empty .nojekyll file.
func withNoJekyll(p *domain.Project) *domain.Project {
	out := &domain.Project{Files: append([]domain.File(nil), p.Files...)}
	if !out.Has(noJekyll) {
		out.Put(noJekyll, []byte{})
	}
	return out
}

// commitProject writes every project file into the repository worktree,
// stages the files and commits them. When the tree is unchanged no commit is
// created and the current HEAD is returned with created=false.
func commitProject(repo *git.Repository, p *domain.Project, msg string, sig *object.Signature) (hash plumbing.Hash, created bool, err error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("open worktree: %w", err)
	}
	fs := wt.Filesystem
	for _, f := range p.Files {
		if clean, ok := domain.SanitizePath(f.Path); !ok || clean != f.Path {
			return plumbing.ZeroHash, false, fmt.Errorf("%w: %q", ErrUnsafePath, f.Path)
		}
		if dir := path.Dir(f.Path); dir != "." {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return plumbing.ZeroHash, false, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		if err := util.WriteFile(fs, f.Path, f.Content, 0o644); err != nil {
			return plumbing.ZeroHash, false, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if _, err := wt.Add(f.Path); err != nil {
			return plumbing.ZeroHash, false, fmt.Errorf("stage %s: %w", f.Path, err)
		}
	}

	hash, err = wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := repo.Head()
		if herr != nil {
			return plumbing.ZeroHash, false, fmt.Errorf("resolve HEAD: %w", herr)
		}
		return head.Hash(), false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("commit: %w", err)
	}
	return hash, true, nil
}
