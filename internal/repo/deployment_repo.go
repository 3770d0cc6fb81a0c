// Package repo implements the data persistence layer for deployments,
// backed by GORM. This file provides read access to Deployment records.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition.
//
// Error semantics:
//   - When a deployment is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetDeployment fetches the record for key, or ErrNotFound.
func GetDeployment(ctx context.Context, db *gorm.DB, key domain.Key) (*domain.Deployment, error) {
	var d domain.Deployment
	err := keyScope(db.WithContext(ctx), key).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CountDeployments returns the number of records, optionally filtered by
// status (empty means all).
func CountDeployments(ctx context.Context, db *gorm.DB, status domain.DeploymentStatus) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Deployment{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListDeploymentsPage returns a page of records ordered by creation time
// descending, optionally filtered by status. Use CountDeployments to obtain
// the total for pagination metadata.
func ListDeploymentsPage(ctx context.Context, db *gorm.DB, status domain.DeploymentStatus, offset, limit int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	q := db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
