package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedDeployment(t *testing.T, db *gorm.DB, task string, round int, nonce string, status domain.DeploymentStatus, updated time.Time) {
	t.Helper()
	d := &domain.Deployment{
		ID: fmt.Sprintf("%s-%d-%s", task, round, nonce), Task: task, Round: round, Nonce: nonce,
		Status: status, AttemptID: "a", Attempts: 1, CreatedAt: updated, UpdatedAt: updated,
	}
	// GORM keeps non-zero timestamps on create.
	if err := db.Create(d).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestDeploymentsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := DeploymentsStats(context.Background(), db, ""); err == nil {
		t.Fatalf("expected error due to missing deployments table")
	}
}

func TestDeploymentsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.Deployment{})
	count, maxAt, err := DeploymentsStats(context.Background(), db, "")
	if err != nil {
		t.Fatalf("DeploymentsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestDeploymentsStats_FilterAndMax(t *testing.T) {
	db := newTestDB(t, &domain.Deployment{})

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max for published
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)   // failed, newest overall

	seedDeployment(t, db, "a", 1, "n", domain.StatusPublished, t1)
	seedDeployment(t, db, "b", 1, "n", domain.StatusPublished, t2)
	seedDeployment(t, db, "c", 1, "n", domain.StatusFailed, t3)

	count, maxAt, err := DeploymentsStats(context.Background(), db, domain.StatusPublished)
	if err != nil {
		t.Fatalf("DeploymentsStats error: %v", err)
	}
	if count != 2 || maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("published stats = (%d, %v), want (2, %v)", count, maxAt, t2)
	}

	count, maxAt, err = DeploymentsStats(context.Background(), db, "")
	if err != nil {
		t.Fatalf("DeploymentsStats error: %v", err)
	}
	if count != 3 || maxAt == nil || !maxAt.Equal(t3) {
		t.Fatalf("all stats = (%d, %v), want (3, %v)", count, maxAt, t3)
	}
}
