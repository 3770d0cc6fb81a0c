package publisher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// Local commits projects into git repositories under Root. It is used when
// GitHub publishing is disabled.
type Local struct {
	Root   string
	Branch string
	Author Author
	Logger zerolog.Logger

	now func() time.Time
}

// NewLocal returns a Local publisher rooted at root.
func NewLocal(root, branch string, author Author, logger zerolog.Logger) *Local {
	if branch == "" {
		branch = "main"
	}
	return &Local{Root: root, Branch: branch, Author: author, Logger: logger, now: time.Now}
}

// Publish writes the project into <Root>/<name>, commits it and returns
// file:// URLs for the repository and its index.html.
func (l *Local) Publish(ctx context.Context, name string, p *domain.Project) (*domain.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Join(l.Root, name))
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(dir, &git.PlainInitOptions{
			InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(l.Branch)},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}

	now := time.Now
	if l.now != nil {
		now = l.now
	}
	hash, created, err := commitProject(repo, withNoJekyll(p), fmt.Sprintf("Deploy %s", name), l.Author.signature(now()))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}
	l.Logger.Info().Str("dir", dir).Str("commit", hash.String()).Bool("new_commit", created).Msg("committed locally")

	url := "file://" + filepath.ToSlash(dir)
	return &domain.PublishResult{
		RepoURL:   url,
		CommitSHA: hash.String(),
		PagesURL:  url + "/index.html",
	}, nil
}
