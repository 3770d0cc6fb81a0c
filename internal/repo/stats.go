// Package repo implements the data persistence layer for deployments,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// DeploymentsStats returns the number of records matching status (empty
// means all) and the greatest UpdatedAt among them. When nothing matches,
// count is 0 and maxUpdatedAt is nil.
func DeploymentsStats(ctx context.Context, db *gorm.DB, status domain.DeploymentStatus) (count int64, maxUpdatedAt *time.Time, err error) {
	scope := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&domain.Deployment{})
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	if err = scope().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = scope().Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
