// Package services – DeployService
//
// This file implements DeployService, the orchestrator of a deployment:
// validate -> claim the idempotency key -> resolve attachments -> generate ->
// publish -> record -> notify. It owns the idempotency discipline on
// (task, round, nonce) and the classification of failures.
//
// Concurrency: identical keys are collapsed in-process with singleflight; the
// record store's conditional updates arbitrate between processes. The
// orchestration runs detached from the request context so a client
// disconnect cannot abort a publish half-way.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/artifacts"
	"github.com/tbourn/go-deploy-backend/internal/attachments"
	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/observability"
	"github.com/tbourn/go-deploy-backend/internal/repo"
)

const tracerName = "services/DeployService"

var errEmptyProject = errors.New("generator returned no files")

// Generator produces a project from a brief.
type Generator interface {
	Generate(ctx context.Context, in domain.GenerateInput) (*domain.Project, error)
}

// Publisher publishes a project as the repository name.
type Publisher interface {
	Publish(ctx context.Context, name string, p *domain.Project) (*domain.PublishResult, error)
}

// AttachmentResolver resolves request attachments; failures are returned
// separately and never abort the batch.
type AttachmentResolver interface {
	ResolveAll(ctx context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error)
}

// Notifier delivers the outcome to the evaluator without blocking.
type Notifier interface {
	Notify(target string, payload any)
}

// ArtifactStore keeps a local copy of generated projects.
type ArtifactStore interface {
	Save(ctx context.Context, name string, p *domain.Project) error
	LoadFiles(name string) ([]domain.File, error)
	WriteManifest(ctx context.Context, name string, m artifacts.Manifest) error
}

// Result is the outcome of a successful Deploy.
type Result struct {
	Email string
	Task  string
	Round int
	Nonce string
	domain.PublishResult
	// Replayed is set when the key was already published and nothing was
	// generated or published by this call.
	Replayed bool
}

// Notification is the JSON body posted to the evaluation URL.
type Notification struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DeployService orchestrates deployments.
type DeployService struct {
	DB     *gorm.DB
	Secret string

	Resolver  AttachmentResolver
	Generator Generator
	Publisher Publisher
	Notifier  Notifier
	// Artifacts is optional.
	Artifacts ArtifactStore

	// PendingWait bounds how long a request waits for another attempt that
	// holds the same key before taking it over.
	PendingWait time.Duration
	PendingPoll time.Duration

	GenerateTimeout time.Duration
	PublishTimeout  time.Duration

	flight singleflight.Group
}

// NewDeployService returns a DeployService with default orchestration
// timings. Collaborators are set by the caller.
func NewDeployService(db *gorm.DB, secret string) *DeployService {
	return &DeployService{
		DB:              db,
		Secret:          secret,
		PendingWait:     5 * time.Second,
		PendingPoll:     250 * time.Millisecond,
		GenerateTimeout: 3 * time.Minute,
		PublishTimeout:  2 * time.Minute,
	}
}

// Deploy runs (or replays) the deployment described by req.
//
// Errors: ErrUnauthorized and *ValidationError before any side effect;
// *GenerationError and *PublishError after the record was marked failed;
// anything else is a store failure.
func (s *DeployService) Deploy(ctx context.Context, req domain.DeploymentRequest) (*Result, error) {
	if !s.authorized(req.Secret) {
		return nil, ErrUnauthorized
	}
	req = normalizeRequest(req)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	key := req.Key()
	ctx = context.WithoutCancel(ctx)
	v, err, shared := s.flight.Do(key.Canonical(), func() (any, error) {
		return s.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Ctx(ctx).Debug().Str("key", key.String()).Msg("joined in-flight deployment")
	}
	out := *v.(*Result)
	return &out, nil
}

func (s *DeployService) authorized(secret string) bool {
	if s.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.Secret)) == 1
}

func normalizeRequest(req domain.DeploymentRequest) domain.DeploymentRequest {
	req.Email = strings.TrimSpace(req.Email)
	req.Task = strings.TrimSpace(req.Task)
	req.Nonce = strings.TrimSpace(req.Nonce)
	req.EvaluationURL = strings.TrimSpace(req.EvaluationURL)
	return req
}

func validateRequest(req domain.DeploymentRequest) error {
	switch {
	case req.Task == "":
		return &ValidationError{Field: "task", Reason: "required"}
	case req.Nonce == "":
		return &ValidationError{Field: "nonce", Reason: "required"}
	case strings.Contains(req.Task, "/"):
		return &ValidationError{Field: "task", Reason: "must not contain \"/\""}
	case strings.Contains(req.Nonce, "/"):
		return &ValidationError{Field: "nonce", Reason: "must not contain \"/\""}
	case req.Round <= 0:
		return &ValidationError{Field: "round", Reason: "must be a positive integer"}
	case req.EvaluationURL == "":
		return &ValidationError{Field: "evaluation_url", Reason: "required"}
	}
	u, err := url.Parse(req.EvaluationURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "evaluation_url", Reason: "must be an absolute http(s) URL"}
	}
	for i, a := range req.Attachments {
		field := fmt.Sprintf("attachments[%d]", i)
		if strings.TrimSpace(a.Name) == "" {
			return &ValidationError{Field: field + ".name", Reason: "required"}
		}
		if _, ok := domain.SanitizePath(a.Name); !ok {
			return &ValidationError{Field: field + ".name", Reason: "must be a relative path inside the project"}
		}
		if err := attachments.ValidateURL(a.URL); err != nil {
			return &ValidationError{Field: field + ".url", Reason: err.Error()}
		}
	}
	return nil
}

func (s *DeployService) run(ctx context.Context, req domain.DeploymentRequest) (res *Result, err error) {
	key := req.Key()
	ctx, span := observability.StartStage(ctx, tracerName, observability.StageDeploy, observability.KeyAttributes(key)...)
	defer func() { observability.EndStage(span, err) }()

	logger := log.With().Str("task", key.Task).Int("round", key.Round).Str("nonce", key.Nonce).Logger()
	ctx = logger.WithContext(ctx)

	rec, err := s.begin(ctx, req)
	if err != nil {
		deploymentsTotal.WithLabelValues(outcomeStoreError).Inc()
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if rec.Status == domain.StatusPublished {
		deploymentsTotal.WithLabelValues(outcomeReplayed).Inc()
		logger.Info().Str("repo", rec.RepoURL).Msg("replaying published deployment")
		res = resultFor(req, rec.Result(), true)
		s.notify(req, res.PublishResult, nil)
		return res, nil
	}

	logger = logger.With().Int("attempt", rec.Attempts).Logger()
	ctx = logger.WithContext(ctx)
	return s.execute(ctx, req, rec.AttemptID)
}

// begin claims key for this call. The returned record is either pending and
// owned by this call, or already published.
func (s *DeployService) begin(ctx context.Context, req domain.DeploymentRequest) (*domain.Deployment, error) {
	key := req.Key()
	rec, err := repo.CreatePending(ctx, s.DB, key, req.Email)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return nil, err
	}

	existing, err := repo.GetDeployment(ctx, s.DB, key)
	if err != nil {
		return nil, err
	}
	switch existing.Status {
	case domain.StatusPublished:
		return existing, nil
	case domain.StatusPending:
		existing, err = s.awaitPending(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing.Status == domain.StatusPublished {
			return existing, nil
		}
		zerolog.Ctx(ctx).Warn().Str("status", string(existing.Status)).Msg("taking over deployment attempt")
	}

	rec, err = repo.RestartAttempt(ctx, s.DB, key, req.Email)
	if errors.Is(err, repo.ErrAlreadyPublished) {
		return repo.GetDeployment(ctx, s.DB, key)
	}
	return rec, err
}

// awaitPending polls the record until it leaves pending or PendingWait
// elapses, and returns the last observed record.
func (s *DeployService) awaitPending(ctx context.Context, key domain.Key) (*domain.Deployment, error) {
	poll := s.PendingPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(s.PendingWait)
	for {
		rec, err := repo.GetDeployment(ctx, s.DB, key)
		if err != nil {
			return nil, err
		}
		if rec.Status != domain.StatusPending || !time.Now().Before(deadline) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (s *DeployService) execute(ctx context.Context, req domain.DeploymentRequest, attemptID string) (*Result, error) {
	key := req.Key()
	logger := zerolog.Ctx(ctx)
	name := RepoName(req.Task, req.Nonce)

	resolved := s.resolveAttachments(ctx, req)

	project, err := s.generate(ctx, req, name, resolved)
	if err != nil {
		gerr := &GenerationError{Err: err}
		s.fail(ctx, req, attemptID, name, nil, gerr)
		deploymentsTotal.WithLabelValues(outcomeGenerationFailed).Inc()
		return nil, gerr
	}
	if s.Artifacts != nil {
		if err := s.Artifacts.Save(ctx, name, project); err != nil {
			logger.Warn().Err(err).Str("dir", name).Msg("saving artifacts failed")
		}
	}

	published, err := s.publish(ctx, name, project)
	if err != nil {
		perr := &PublishError{Err: err}
		s.fail(ctx, req, attemptID, name, project, perr)
		deploymentsTotal.WithLabelValues(outcomePublishFailed).Inc()
		return nil, perr
	}

	won, err := repo.MarkPublished(ctx, s.DB, key, *published)
	switch {
	case err != nil:
		// The revision is live; report it even though the record lags.
		logger.Error().Err(err).Msg("recording published deployment failed")
	case !won:
		winner, gerr := repo.GetDeployment(ctx, s.DB, key)
		if gerr != nil {
			return nil, gerr
		}
		logger.Info().Str("commit", winner.CommitSHA).Msg("another attempt published first")
		deploymentsTotal.WithLabelValues(outcomeReplayed).Inc()
		return resultFor(req, winner.Result(), true), nil
	}

	deploymentsTotal.WithLabelValues(outcomePublished).Inc()
	logger.Info().Str("repo", published.RepoURL).Str("commit", published.CommitSHA).Msg("deployment published")
	s.writeManifest(ctx, req, name, project, domain.StatusPublished, published, nil)
	s.notify(req, *published, nil)
	return resultFor(req, *published, false), nil
}

func (s *DeployService) resolveAttachments(ctx context.Context, req domain.DeploymentRequest) []domain.ResolvedAttachment {
	if len(req.Attachments) == 0 || s.Resolver == nil {
		return nil
	}
	ctx, span := observability.StartStage(ctx, tracerName, observability.StageResolve)
	resolved, errs := s.Resolver.ResolveAll(ctx, req.Attachments)
	observability.EndStage(span, nil)
	if len(errs) > 0 {
		zerolog.Ctx(ctx).Warn().Int("dropped", len(errs)).Int("resolved", len(resolved)).Msg("some attachments were dropped")
	}
	return resolved
}

func (s *DeployService) generate(ctx context.Context, req domain.DeploymentRequest, name string, resolved []domain.ResolvedAttachment) (project *domain.Project, err error) {
	ctx, span := observability.StartStage(ctx, tracerName, observability.StageGenerate)
	defer func() { observability.EndStage(span, err) }()

	in := domain.GenerateInput{
		Task:        req.Task,
		Round:       req.Round,
		Brief:       req.Brief,
		Checks:      req.Checks,
		Attachments: resolved,
	}
	if req.Round > 1 && s.Artifacts != nil {
		prev, lerr := s.Artifacts.LoadFiles(name)
		switch {
		case lerr == nil:
			in.PreviousFiles = prev
		case errors.Is(lerr, artifacts.ErrNoArtifacts):
			zerolog.Ctx(ctx).Info().Msg("no previous round artifacts")
		default:
			zerolog.Ctx(ctx).Warn().Err(lerr).Msg("loading previous round failed")
		}
	}

	if s.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.GenerateTimeout)
		defer cancel()
	}
	project, err = s.Generator.Generate(ctx, in)
	if err != nil {
		return nil, err
	}
	if project == nil || len(project.Files) == 0 {
		return nil, errEmptyProject
	}
	for _, a := range resolved {
		name, ok := domain.SanitizePath(a.Name)
		if !ok {
			zerolog.Ctx(ctx).Warn().Str("attachment", a.Name).Msg("dropping attachment with unsafe name")
			continue
		}
		if !project.Has(name) {
			project.Put(name, a.Content)
		}
	}
	return project, nil
}

func (s *DeployService) publish(ctx context.Context, name string, project *domain.Project) (res *domain.PublishResult, err error) {
	ctx, span := observability.StartStage(ctx, tracerName, observability.StagePublish)
	defer func() { observability.EndStage(span, err) }()

	if s.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.PublishTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err = s.Publisher.Publish(ctx, name, project)
	label := "ok"
	if err != nil {
		label = "error"
	}
	publishDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err == nil && res == nil {
		err = errors.New("publisher returned no result")
	}
	return res, err
}

// fail records cause on the attempt's record, stores the manifest and
// notifies the evaluator of the failure.
func (s *DeployService) fail(ctx context.Context, req domain.DeploymentRequest, attemptID, name string, project *domain.Project, cause error) {
	logger := zerolog.Ctx(ctx)
	logger.Error().Err(cause).Msg("deployment failed")

	moved, err := repo.MarkFailed(ctx, s.DB, req.Key(), attemptID, cause.Error())
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("recording failure failed")
	case !moved:
		logger.Warn().Msg("attempt superseded before it could be marked failed")
	}
	s.writeManifest(ctx, req, name, project, domain.StatusFailed, nil, cause)
	s.notify(req, domain.PublishResult{}, cause)
}

func (s *DeployService) writeManifest(ctx context.Context, req domain.DeploymentRequest, name string, project *domain.Project, status domain.DeploymentStatus, res *domain.PublishResult, cause error) {
	if s.Artifacts == nil {
		return
	}
	m := artifacts.Manifest{
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		Email:     req.Email,
		Status:    string(status),
		UpdatedAt: time.Now().UTC(),
	}
	if project != nil {
		m.Files = project.Paths()
	}
	for _, a := range req.Attachments {
		m.Attachments = append(m.Attachments, a.Name)
	}
	if res != nil {
		m.RepoURL, m.CommitSHA, m.PagesURL = res.RepoURL, res.CommitSHA, res.PagesURL
	}
	if cause != nil {
		m.Error = cause.Error()
	}
	if err := s.Artifacts.WriteManifest(ctx, name, m); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("writing manifest failed")
	}
}

func (s *DeployService) notify(req domain.DeploymentRequest, res domain.PublishResult, cause error) {
	if s.Notifier == nil || req.EvaluationURL == "" {
		return
	}
	s.Notifier.Notify(req.EvaluationURL, NotificationFor(req.Email, req.Key(), res, cause))
}

// NotificationFor builds the evaluator payload for a key. A non-nil cause
// marks the payload as a failure.
func NotificationFor(email string, key domain.Key, res domain.PublishResult, cause error) Notification {
	n := Notification{
		Email:     email,
		Task:      key.Task,
		Round:     key.Round,
		Nonce:     key.Nonce,
		RepoURL:   res.RepoURL,
		CommitSHA: res.CommitSHA,
		PagesURL:  res.PagesURL,
	}
	if cause != nil {
		ok := false
		n.OK = &ok
		n.Error = cause.Error()
	}
	return n
}

func resultFor(req domain.DeploymentRequest, pr domain.PublishResult, replayed bool) *Result {
	return &Result{
		Email:         req.Email,
		Task:          req.Task,
		Round:         req.Round,
		Nonce:         req.Nonce,
		PublishResult: pr,
		Replayed:      replayed,
	}
}
