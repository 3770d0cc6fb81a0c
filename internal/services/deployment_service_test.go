package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/repo"
)

func seed(t *testing.T, svc *DeploymentService, nonce string, status domain.DeploymentStatus) domain.Key {
	t.Helper()
	ctx := context.Background()
	key := domain.Key{Task: "t", Round: 1, Nonce: nonce}
	rec, err := repo.CreatePending(ctx, svc.DB, key, "e@example.com")
	if err != nil {
		t.Fatal(err)
	}
	switch status {
	case domain.StatusPublished:
		_, err = repo.MarkPublished(ctx, svc.DB, key, domain.PublishResult{RepoURL: "r-" + nonce, CommitSHA: "c-" + nonce, PagesURL: "p-" + nonce})
	case domain.StatusFailed:
		_, err = repo.MarkFailed(ctx, svc.DB, key, rec.AttemptID, "llm exploded")
	}
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestDeploymentService_ListPage(t *testing.T) {
	svc := NewDeploymentService(newDeployDB(t), &stubNotifier{})
	ctx := context.Background()

	items, total, err := svc.ListPage(ctx, "", 1, 10)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty: items=%d total=%d err=%v", len(items), total, err)
	}

	for i := 0; i < 5; i++ {
		st := domain.StatusPublished
		if i%2 == 1 {
			st = domain.StatusFailed
		}
		seed(t, svc, fmt.Sprintf("n%d", i), st)
		time.Sleep(2 * time.Millisecond)
	}

	items, total, err = svc.ListPage(ctx, "", 2, 2)
	if err != nil || total != 5 || len(items) != 2 {
		t.Fatalf("page 2: items=%d total=%d err=%v", len(items), total, err)
	}
	if items[0].Nonce != "n2" {
		t.Fatalf("ordering: first on page 2 is %s", items[0].Nonce)
	}

	items, total, err = svc.ListPage(ctx, domain.StatusFailed, 0, 0)
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("failed filter: items=%d total=%d err=%v", len(items), total, err)
	}

	count, maxTS, err := svc.Stats(ctx, domain.StatusPublished)
	if err != nil || count != 3 || maxTS == nil {
		t.Fatalf("stats count=%d ts=%v err=%v", count, maxTS, err)
	}
}

func TestDeploymentService_Get(t *testing.T) {
	svc := NewDeploymentService(newDeployDB(t), nil)
	key := seed(t, svc, "n1", domain.StatusPublished)

	d, err := svc.Get(context.Background(), key)
	if err != nil || d.CommitSHA != "c-n1" {
		t.Fatalf("get: %+v %v", d, err)
	}
	if _, err := svc.Get(context.Background(), domain.Key{Task: "t", Round: 9, Nonce: "n1"}); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("want ErrDeploymentNotFound, got %v", err)
	}
}

func TestDeploymentService_Renotify(t *testing.T) {
	note := &stubNotifier{}
	svc := NewDeploymentService(newDeployDB(t), note)
	ctx := context.Background()
	published := seed(t, svc, "ok", domain.StatusPublished)
	failed := seed(t, svc, "bad", domain.StatusFailed)
	pending := seed(t, svc, "wip", domain.StatusPending)

	if _, err := svc.Renotify(ctx, published, "https://eval.example.com/hook"); err != nil {
		t.Fatalf("renotify published: %v", err)
	}
	if _, err := svc.Renotify(ctx, failed, "https://eval.example.com/hook"); err != nil {
		t.Fatalf("renotify failed: %v", err)
	}
	if _, err := svc.Renotify(ctx, pending, "https://eval.example.com/hook"); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("pending: want ErrNotTerminal, got %v", err)
	}
	var ve *ValidationError
	if _, err := svc.Renotify(ctx, published, "not a url"); !errors.As(err, &ve) {
		t.Fatalf("bad url: want ValidationError, got %v", err)
	}

	sent := note.all()
	if len(sent) != 2 {
		t.Fatalf("sent=%d", len(sent))
	}
	if p := sent[0].payload; p.OK != nil || p.CommitSHA != "c-ok" || p.Email != "e@example.com" {
		t.Fatalf("published payload=%+v", p)
	}
	if p := sent[1].payload; p.OK == nil || *p.OK || p.Error != "llm exploded" {
		t.Fatalf("failed payload=%+v", p)
	}

	// The record is untouched.
	d, _ := svc.Get(ctx, published)
	if d.Status != domain.StatusPublished || d.Attempts != 1 {
		t.Fatalf("record mutated: %+v", d)
	}
}
