// Package repo implements the data persistence layer for deployments,
// backed by GORM. This file provides the state transitions of a Deployment
// keyed by (task, round, nonce). Every transition is a single conditional
// UPDATE so that concurrent attempts, in this process or another one sharing
// the database, cannot both publish the same key.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// ErrDuplicate indicates that a deployment record already exists for the
// given (task, round, nonce) key.
var ErrDuplicate = errors.New("duplicate")

// ErrAlreadyPublished is returned by RestartAttempt when the record reached
// the published state before the restart could claim it.
var ErrAlreadyPublished = errors.New("deployment already published")

func keyScope(db *gorm.DB, key domain.Key) *gorm.DB {
	return db.Where("task = ? AND round = ? AND nonce = ?", key.Task, key.Round, key.Nonce)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// CreatePending inserts a pending record for key owned by a fresh attempt and
// returns ErrDuplicate when a record for the key already exists.
func CreatePending(ctx context.Context, db *gorm.DB, key domain.Key, email string) (*domain.Deployment, error) {
	now := time.Now().UTC()
	rec := &domain.Deployment{
		ID:        uuid.NewString(),
		Task:      key.Task,
		Round:     key.Round,
		Nonce:     key.Nonce,
		Email:     email,
		Status:    domain.StatusPending,
		AttemptID: uuid.NewString(),
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// RestartAttempt moves a pending or failed record back to pending under a
// new attempt ID, clearing the previous error. The previous attempt, if still
// running, loses the right to mark the record failed. It returns
// ErrAlreadyPublished when the record is published and ErrNotFound when no
// record exists.
func RestartAttempt(ctx context.Context, db *gorm.DB, key domain.Key, email string) (*domain.Deployment, error) {
	attemptID := uuid.NewString()
	res := keyScope(db.WithContext(ctx).Model(&domain.Deployment{}), key).
		Where("status <> ?", domain.StatusPublished).
		Updates(map[string]any{
			"status":     domain.StatusPending,
			"attempt_id": attemptID,
			"attempts":   gorm.Expr("attempts + 1"),
			"email":      email,
			"error":      nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetDeployment(ctx, db, key); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyPublished
	}
	return GetDeployment(ctx, db, key)
}

// MarkPublished performs the pending -> published compare-and-set. It
// reports whether this call performed the transition; false means another
// attempt already published the key and its result was kept.
func MarkPublished(ctx context.Context, db *gorm.DB, key domain.Key, result domain.PublishResult) (bool, error) {
	now := time.Now().UTC()
	res := keyScope(db.WithContext(ctx).Model(&domain.Deployment{}), key).
		Where("status <> ?", domain.StatusPublished).
		Updates(map[string]any{
			"status":       domain.StatusPublished,
			"repo_url":     result.RepoURL,
			"commit_sha":   result.CommitSHA,
			"pages_url":    result.PagesURL,
			"error":        nil,
			"published_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records msg on the record and moves it to failed, but only while
// attemptID still owns the pending record. It reports whether the transition
// happened; false means the attempt was superseded or the key was published.
func MarkFailed(ctx context.Context, db *gorm.DB, key domain.Key, attemptID, msg string) (bool, error) {
	res := keyScope(db.WithContext(ctx).Model(&domain.Deployment{}), key).
		Where("status = ? AND attempt_id = ?", domain.StatusPending, attemptID).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"error":      msg,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
