// Package services – DeploymentService
//
// This file implements DeploymentService, the operator-facing read side of
// deployment records: paginated listing, lookup by key, list statistics for
// conditional responses, and re-sending the notification of a finished
// deployment. None of these operations mutate a record.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/observability"
	"github.com/tbourn/go-deploy-backend/internal/repo"
)

// DeploymentService provides read access to deployment records.
type DeploymentService struct {
	DB       *gorm.DB
	Notifier Notifier
}

// NewDeploymentService constructs a DeploymentService.
func NewDeploymentService(db *gorm.DB, n Notifier) *DeploymentService {
	return &DeploymentService{DB: db, Notifier: n}
}

// ListPage returns a page of records (newest first) and the total count.
// status filters when non-empty.
func (s *DeploymentService) ListPage(ctx context.Context, status domain.DeploymentStatus, page, pageSize int) ([]domain.Deployment, int64, error) {
	tr := otel.Tracer("services/DeploymentService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("status", string(status)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountDeployments(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Deployment{}, 0, nil
	}
	items, err := repo.ListDeploymentsPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}

// Stats returns the count and last update time of records matching status,
// used to derive list ETags.
func (s *DeploymentService) Stats(ctx context.Context, status domain.DeploymentStatus) (int64, *time.Time, error) {
	return repo.DeploymentsStats(ctx, s.DB, status)
}

// Get returns the record for key or ErrDeploymentNotFound.
func (s *DeploymentService) Get(ctx context.Context, key domain.Key) (*domain.Deployment, error) {
	ctx, span := observability.StartStage(ctx, "services/DeploymentService", observability.StageLookup, observability.KeyAttributes(key)...)
	defer span.End()

	d, err := repo.GetDeployment(ctx, s.DB, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrDeploymentNotFound
	}
	return d, err
}

// Renotify sends the notification of a published or failed record to
// target again. The record is not modified.
func (s *DeploymentService) Renotify(ctx context.Context, key domain.Key, target string) (*domain.Deployment, error) {
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Field: "evaluation_url", Reason: "must be an absolute http(s) URL"}
	}

	d, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !d.Status.Terminal() {
		return nil, ErrNotTerminal
	}
	if s.Notifier == nil {
		return nil, fmt.Errorf("renotify %s: notifier not configured", key)
	}

	var cause error
	if d.Status == domain.StatusFailed {
		msg := "deployment failed"
		if d.Error != nil && *d.Error != "" {
			msg = *d.Error
		}
		cause = errors.New(msg)
	}
	s.Notifier.Notify(target, NotificationFor(d.Email, key, d.Result(), cause))
	return d, nil
}
