// Package domain defines the persistence model for deployments and the value
// types exchanged between the HTTP layer, the orchestrator and its adapters
// (attachment resolver, generator, publisher, notifier).
package domain

import "time"

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

// Lifecycle: pending -> published | failed. A failed record may be restarted
// (failed -> pending) by a later request with the same key; published is
// terminal.
const (
	StatusPending   DeploymentStatus = "pending"
	StatusPublished DeploymentStatus = "published"
	StatusFailed    DeploymentStatus = "failed"
)

// Terminal reports whether no in-flight attempt owns the record.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Deployment is the durable record of one orchestration run, unique on the
// idempotency key (task, round, nonce). At most one record per key ever
// reaches StatusPublished, and once published its result fields never change.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Task / Round / Nonce: the idempotency key (composite unique index).
//   - Email: requester address echoed in notifications.
//   - Status: pending|published|failed (enforced by DB constraint).
//   - AttemptID: owner of the current pending attempt; a takeover rotates it.
//   - Attempts: number of orchestration attempts started for the key.
//   - RepoURL / CommitSHA / PagesURL: publish result, set on publish.
//   - Error: last failure message, cleared when an attempt restarts.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - PublishedAt: time of the pending -> published transition.
type Deployment struct {
	ID          string           `json:"id"                     gorm:"type:char(36);primaryKey"`
	Task        string           `json:"task"                   gorm:"type:varchar(255);not null;uniqueIndex:ux_deployments_key,priority:1"`
	Round       int              `json:"round"                  gorm:"not null;uniqueIndex:ux_deployments_key,priority:2"`
	Nonce       string           `json:"nonce"                  gorm:"type:varchar(255);not null;uniqueIndex:ux_deployments_key,priority:3"`
	Email       string           `json:"email"                  gorm:"type:varchar(320);not null;default:''"`
	Status      DeploymentStatus `json:"status"                 gorm:"type:varchar(16);not null;index;check:status IN ('pending','published','failed')"`
	AttemptID   string           `json:"-"                      gorm:"type:char(36);not null"`
	Attempts    int              `json:"attempts"               gorm:"not null;default:1"`
	RepoURL     string           `json:"repo_url,omitempty"     gorm:"type:varchar(512);not null;default:''"`
	CommitSHA   string           `json:"commit_sha,omitempty"   gorm:"type:varchar(64);not null;default:''"`
	PagesURL    string           `json:"pages_url,omitempty"    gorm:"type:varchar(512);not null;default:''"`
	Error       *string          `json:"error,omitempty"        gorm:"type:text"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"             gorm:"index"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
}

// TableName returns the database table name for Deployment.
func (Deployment) TableName() string { return "deployments" }

// Key returns the idempotency key of the record.
func (d *Deployment) Key() Key {
	return Key{Task: d.Task, Round: d.Round, Nonce: d.Nonce}
}

// Result returns the publish triple stored on the record.
func (d *Deployment) Result() PublishResult {
	return PublishResult{RepoURL: d.RepoURL, CommitSHA: d.CommitSHA, PagesURL: d.PagesURL}
}
