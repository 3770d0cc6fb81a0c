package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// APIError is an unexpected GitHub REST response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// GitHubOptions configures a GitHub publisher.
type GitHubOptions struct {
	APIURL string
	// Owner is an organization to create repositories in; empty means the
	// authenticated user.
	Owner        string
	Token        string
	Branch       string
	Author       Author
	PollAttempts int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// GitHub publishes projects as GitHub repositories served by GitHub Pages.
type GitHub struct {
	api  *http.Client
	opts GitHubOptions

	mu    sync.Mutex
	login string

	// push commits the project onto the remote branch and returns the
	// commit SHA.
	push func(ctx context.Context, remote string, p *domain.Project, msg string) (string, error)
	now  func() time.Time
}

// NewGitHub returns a GitHub publisher. api must authenticate REST calls
// (see httpclient.New with a token).
func NewGitHub(api *http.Client, opts GitHubOptions) *GitHub {
	if api == nil {
		api = http.DefaultClient
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.github.com"
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	g := &GitHub{api: api, opts: opts, now: time.Now}
	g.push = g.pushProject
	return g
}

type repoInfo struct {
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
}

// Publish creates or reuses the repository name, pushes the project and
// enables Pages. The returned PagesURL falls back to the conventional
// https://<owner>.github.io/<name>/ when the API does not report one in time.
func (g *GitHub) Publish(ctx context.Context, name string, p *domain.Project) (*domain.PublishResult, error) {
	owner, err := g.ownerLogin(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	info, err := g.ensureRepo(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("ensure repository %s/%s: %w", owner, name, err)
	}

	sha, err := g.push(ctx, info.CloneURL, withNoJekyll(p), fmt.Sprintf("Deploy %s", name))
	if err != nil {
		return nil, fmt.Errorf("push %s/%s: %w", owner, name, err)
	}
	g.opts.Logger.Info().Str("repo", info.HTMLURL).Str("commit", sha).Msg("pushed")

	pages := g.enablePages(ctx, owner, name)
	return &domain.PublishResult{RepoURL: info.HTMLURL, CommitSHA: sha, PagesURL: pages}, nil
}

func (g *GitHub) ownerLogin(ctx context.Context) (string, error) {
	if g.opts.Owner != "" {
		return g.opts.Owner, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.login != "" {
		return g.login, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	status, err := g.call(ctx, http.MethodGet, "/user", nil, &user)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || user.Login == "" {
		return "", &APIError{Method: http.MethodGet, Path: "/user", Status: status}
	}
	g.login = user.Login
	return g.login, nil
}

func (g *GitHub) ensureRepo(ctx context.Context, owner, name string) (*repoInfo, error) {
	createPath := "/user/repos"
	if g.opts.Owner != "" {
		createPath = "/orgs/" + url.PathEscape(g.opts.Owner) + "/repos"
	}
	body := map[string]any{
		"name":        name,
		"private":     false,
		"auto_init":   false,
		"has_issues":  false,
		"has_wiki":    false,
		"description": "Generated and deployed automatically.",
	}

	var info repoInfo
	status, err := g.call(ctx, http.MethodPost, createPath, body, &info)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusCreated:
		return &info, nil
	case http.StatusUnprocessableEntity:
		// Name already taken on this account: reuse it.
		repoPath := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
		status, err = g.call(ctx, http.MethodGet, repoPath, nil, &info)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, &APIError{Method: http.MethodGet, Path: repoPath, Status: status}
		}
		return &info, nil
	default:
		return nil, &APIError{Method: http.MethodPost, Path: createPath, Status: status}
	}
}

func (g *GitHub) enablePages(ctx context.Context, owner, name string) string {
	pagesPath := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/pages"
	fallback := fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), name)

	body := map[string]any{"source": map[string]string{"branch": g.opts.Branch, "path": "/"}}
	status, err := g.call(ctx, http.MethodPost, pagesPath, body, nil)
	switch {
	case err != nil:
		g.opts.Logger.Warn().Err(err).Str("repo", name).Msg("enable pages failed")
	case status == http.StatusCreated, status == http.StatusNoContent,
		status == http.StatusConflict, status == http.StatusUnprocessableEntity:
	default:
		g.opts.Logger.Warn().Int("status", status).Str("repo", name).Msg("enable pages returned unexpected status")
	}

	for i := 0; i < g.opts.PollAttempts; i++ {
		var site struct {
			HTMLURL string `json:"html_url"`
		}
		status, err := g.call(ctx, http.MethodGet, pagesPath, nil, &site)
		if err == nil && status == http.StatusOK && site.HTMLURL != "" {
			return site.HTMLURL
		}
		if i == g.opts.PollAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fallback
		case <-time.After(g.opts.PollInterval):
		}
	}
	return fallback
}

// call performs a REST request and decodes a 2xx body into out (when set).
// Non-2xx statuses are returned without error so callers can branch on them.
func (g *GitHub) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.opts.APIURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.api.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// pushProject clones the remote into memory (or starts a fresh history when
// the remote is empty), commits the project and pushes the branch.
func (g *GitHub) pushProject(ctx context.Context, remote string, p *domain.Project, msg string) (string, error) {
	auth := &githttp.BasicAuth{Username: "x-access-token", Password: g.opts.Token}
	branch := plumbing.NewBranchReferenceName(g.opts.Branch)

	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           remote,
		Auth:          auth,
		ReferenceName: branch,
		SingleBranch:  true,
	})
	if err != nil {
		if !errors.Is(err, transport.ErrEmptyRemoteRepository) && !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("clone: %w", err)
		}
		if repo, err = initRepo(remote, branch); err != nil {
			return "", err
		}
	}

	hash, created, err := commitProject(repo, p, msg, g.opts.Author.signature(g.now()))
	if err != nil {
		return "", err
	}
	if !created {
		g.opts.Logger.Info().Str("remote", remote).Msg("tree unchanged, reusing HEAD")
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(branch.String() + ":" + branch.String())},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("push: %w", err)
	}
	return hash.String(), nil
}

// initRepo creates an in-memory repository whose HEAD points at branch and
// whose origin is remote.
func initRepo(remote string, branch plumbing.ReferenceName) (*git.Repository, error) {
	repo, err := git.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		return nil, fmt.Errorf("set HEAD: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{remote}}); err != nil {
		return nil, fmt.Errorf("add remote: %w", err)
	}
	return repo, nil
}
