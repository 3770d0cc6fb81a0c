// Package handlers exposes the REST endpoints of the deployment service.
//
// Handlers are transport-thin: they decode input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-deploy-backend/internal/config"
	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/services"
	"github.com/tbourn/go-deploy-backend/internal/sysutil"
)

//
// Service contracts (context-aware)
//

// DeployService runs the deployment pipeline for one request.
//
// Implementations should be safe for concurrent use. Errors follow the
// services taxonomy (ErrUnauthorized, *ValidationError, *GenerationError,
// *PublishError; anything else is a store failure).
type DeployService interface {
	Deploy(ctx context.Context, req domain.DeploymentRequest) (*services.Result, error)
}

// DeploymentService gives operators read access to deployment records.
type DeploymentService interface {
	// ListPage returns a page of records (optionally filtered by status) and
	// the total count.
	ListPage(ctx context.Context, status domain.DeploymentStatus, page, pageSize int) ([]domain.Deployment, int64, error)
	// Stats returns the count and last update time used for ETags.
	Stats(ctx context.Context, status domain.DeploymentStatus) (int64, *time.Time, error)
	// Get loads one record by key.
	Get(ctx context.Context, key domain.Key) (*domain.Deployment, error)
	// Renotify re-sends the notification of a terminal record to target.
	Renotify(ctx context.Context, key domain.Key, target string) (*domain.Deployment, error)
}

// DebugInfo is the runtime diagnostics snapshot served by GET /debug.
// Credentials are reported as "set" or "missing", never by value.
type DebugInfo struct {
	Version       string `json:"version"`
	LLMToken      string `json:"llm_token"`
	GitHubToken   string `json:"github_token"`
	DeploySecret  string `json:"deploy_secret"`
	LLMModel      string `json:"llm_model"`
	ReposDir      string `json:"repos_dir"`
	DBDriver      string `json:"db_driver"`
	SkipGitHub    bool   `json:"skip_github"`
	SkipEvaluator bool   `json:"skip_evaluator"`
	MirrorEnabled bool   `json:"artifact_mirror"`
}

// NewDebugInfo builds the diagnostics snapshot from cfg.
func NewDebugInfo(cfg config.Config, version string) DebugInfo {
	return DebugInfo{
		Version:       version,
		LLMToken:      sysutil.Presence(cfg.LLM.APIKey),
		GitHubToken:   sysutil.Presence(cfg.GitHub.Token),
		DeploySecret:  sysutil.Presence(cfg.DeploySecret),
		LLMModel:      cfg.LLM.Model,
		ReposDir:      cfg.ReposDir,
		DBDriver:      cfg.DBDriver,
		SkipGitHub:    cfg.GitHub.Skip,
		SkipEvaluator: cfg.Notify.Skip,
		MirrorEnabled: cfg.Mirror.Enabled,
	}
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the service.
type Handlers struct {
	deploySvc DeployService
	depSvc    DeploymentService
	debug     DebugInfo
}

// New constructs and returns a Handlers instance bound to the given services.
func New(deploySvc DeployService, depSvc DeploymentService, debug DebugInfo) *Handlers {
	return &Handlers{deploySvc: deploySvc, depSvc: depSvc, debug: debug}
}
