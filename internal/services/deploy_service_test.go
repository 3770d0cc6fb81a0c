package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-deploy-backend/internal/artifacts"
	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/notifier"
	"github.com/tbourn/go-deploy-backend/internal/repo"
)

// ---------- test helpers ----------

const testSecret = "s3cret"

func newDeployDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "deploy.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type stubGenerator struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  domain.GenerateInput
	fn    func(ctx context.Context, in domain.GenerateInput) (*domain.Project, error)
}

func (g *stubGenerator) Generate(ctx context.Context, in domain.GenerateInput) (*domain.Project, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.last = in
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(ctx, in)
	}
	return &domain.Project{Files: []domain.File{
		{Path: "index.html", Content: []byte("<h1>ok</h1>")},
		{Path: "LICENSE", Content: []byte("MIT")},
		{Path: "README.md", Content: []byte("# ok")},
	}}, nil
}

type stubPublisher struct {
	calls atomic.Int32
	mu    sync.Mutex
	names []string
	fn    func(ctx context.Context, name string, p *domain.Project) (*domain.PublishResult, error)
}

func (p *stubPublisher) Publish(ctx context.Context, name string, proj *domain.Project) (*domain.PublishResult, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.names = append(p.names, name)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, name, proj)
	}
	return &domain.PublishResult{
		RepoURL:   "https://github.com/octo/" + name,
		CommitSHA: "0123456789abcdef0123456789abcdef01234567",
		PagesURL:  "https://octo.github.io/" + name + "/",
	}, nil
}

type sentNotification struct {
	target  string
	payload Notification
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *stubNotifier) Notify(target string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{target: target, payload: payload.(Notification)})
}

func (n *stubNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type stubResolver struct {
	fn func(ctx context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error)
}

func (r *stubResolver) ResolveAll(ctx context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error) {
	return r.fn(ctx, atts)
}

type memArtifacts struct {
	mu        sync.Mutex
	saved     map[string]*domain.Project
	manifests map[string]artifacts.Manifest
	previous  map[string][]domain.File
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{
		saved:     map[string]*domain.Project{},
		manifests: map[string]artifacts.Manifest{},
		previous:  map[string][]domain.File{},
	}
}

func (a *memArtifacts) Save(_ context.Context, name string, p *domain.Project) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[name] = p
	return nil
}

func (a *memArtifacts) LoadFiles(name string) ([]domain.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.previous[name]; ok {
		return f, nil
	}
	return nil, artifacts.ErrNoArtifacts
}

func (a *memArtifacts) WriteManifest(_ context.Context, name string, m artifacts.Manifest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manifests[name] = m
	return nil
}

type fixture struct {
	db   *gorm.DB
	svc  *DeployService
	gen  *stubGenerator
	pub  *stubPublisher
	note *stubNotifier
	arts *memArtifacts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:   newDeployDB(t),
		gen:  &stubGenerator{},
		pub:  &stubPublisher{},
		note: &stubNotifier{},
		arts: newMemArtifacts(),
	}
	f.svc = NewDeployService(f.db, testSecret)
	f.svc.Generator = f.gen
	f.svc.Publisher = f.pub
	f.svc.Notifier = f.note
	f.svc.Artifacts = f.arts
	f.svc.PendingWait = 50 * time.Millisecond
	f.svc.PendingPoll = 5 * time.Millisecond
	return f
}

func validRequest() domain.DeploymentRequest {
	return domain.DeploymentRequest{
		Email:         "student@example.com",
		Secret:        testSecret,
		Task:          "captcha-solver-x",
		Round:         1,
		Nonce:         "N1",
		Brief:         "Create a captcha solver that handles ?url=https://.../image.png.",
		Checks:        []string{"Repo has MIT license", "Page displays captcha URL"},
		EvaluationURL: "https://example.com/notify",
	}
}

// ---------- Deploy ----------

func TestDeploy_FreshKeyPublishesOnce(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Replayed {
		t.Fatal("fresh deployment reported as replay")
	}
	if res.RepoURL != "https://github.com/octo/captcha-solver-x-N1" ||
		res.PagesURL != "https://octo.github.io/captcha-solver-x-N1/" ||
		len(res.CommitSHA) != 40 {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.gen.calls.Load() != 1 || f.pub.calls.Load() != 1 {
		t.Fatalf("calls gen=%d pub=%d", f.gen.calls.Load(), f.pub.calls.Load())
	}
	if f.pub.names[0] != "captcha-solver-x-N1" {
		t.Fatalf("repo name=%q", f.pub.names[0])
	}

	rec, err := repo.GetDeployment(context.Background(), f.db, domain.Key{Task: "captcha-solver-x", Round: 1, Nonce: "N1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusPublished || rec.CommitSHA != res.CommitSHA || rec.PublishedAt == nil {
		t.Fatalf("record=%+v", rec)
	}

	sent := f.note.all()
	if len(sent) != 1 || sent[0].target != "https://example.com/notify" {
		t.Fatalf("notifications=%+v", sent)
	}
	if p := sent[0].payload; p.OK != nil || p.CommitSHA != res.CommitSHA || p.Email != "student@example.com" || p.Round != 1 {
		t.Fatalf("payload=%+v", p)
	}
	if m := f.arts.manifests["captcha-solver-x-N1"]; m.Status != "published" || m.CommitSHA != res.CommitSHA {
		t.Fatalf("manifest=%+v", m)
	}
	if _, ok := f.arts.saved["captcha-solver-x-N1"]; !ok {
		t.Fatal("artifacts were not saved")
	}
}

func TestDeploy_RepeatReturnsStoredResult(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected Replayed")
	}
	if second.PublishResult != first.PublishResult {
		t.Fatalf("replay %+v != first %+v", second.PublishResult, first.PublishResult)
	}
	if f.gen.calls.Load() != 1 || f.pub.calls.Load() != 1 {
		t.Fatalf("collaborators called again: gen=%d pub=%d", f.gen.calls.Load(), f.pub.calls.Load())
	}
	if n := len(f.note.all()); n != 2 {
		t.Fatalf("replay should notify again, got %d notifications", n)
	}
}

func TestDeploy_ConcurrentSameKeyPublishesOnce(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.pub.fn = func(ctx context.Context, name string, _ *domain.Project) (*domain.PublishResult, error) {
		<-release
		return &domain.PublishResult{RepoURL: "https://github.com/octo/" + name, CommitSHA: "c0ffee", PagesURL: "p"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Deploy(context.Background(), validRequest())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].CommitSHA != "c0ffee" {
			t.Fatalf("call %d got %+v", i, results[i])
		}
	}
	if got := f.pub.calls.Load(); got != 1 {
		t.Fatalf("publisher called %d times", got)
	}
	total, err := repo.CountDeployments(context.Background(), f.db, domain.StatusPublished)
	if err != nil || total != 1 {
		t.Fatalf("published records=%d err=%v", total, err)
	}
}

func TestDeploy_BadSecretHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Secret = "wrong"

	_, err := f.svc.Deploy(context.Background(), req)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if f.gen.calls.Load() != 0 || f.pub.calls.Load() != 0 || len(f.note.all()) != 0 {
		t.Fatal("collaborators must not be called")
	}
	if total, _ := repo.CountDeployments(context.Background(), f.db, ""); total != 0 {
		t.Fatalf("records=%d", total)
	}
}

func TestDeploy_EmptyConfiguredSecretRejectsEverything(t *testing.T) {
	f := newFixture(t)
	f.svc.Secret = ""
	req := validRequest()
	req.Secret = ""
	if _, err := f.svc.Deploy(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestDeploy_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		mod   func(r *domain.DeploymentRequest)
		field string
	}{
		{"empty task", func(r *domain.DeploymentRequest) { r.Task = "  " }, "task"},
		{"empty nonce", func(r *domain.DeploymentRequest) { r.Nonce = "" }, "nonce"},
		{"slash in task", func(r *domain.DeploymentRequest) { r.Task = "a/1" }, "task"},
		{"slash in nonce", func(r *domain.DeploymentRequest) { r.Nonce = "1/x" }, "nonce"},
		{"zero round", func(r *domain.DeploymentRequest) { r.Round = 0 }, "round"},
		{"missing evaluation url", func(r *domain.DeploymentRequest) { r.EvaluationURL = "" }, "evaluation_url"},
		{"relative evaluation url", func(r *domain.DeploymentRequest) { r.EvaluationURL = "/notify" }, "evaluation_url"},
		{"ftp evaluation url", func(r *domain.DeploymentRequest) { r.EvaluationURL = "ftp://x/y" }, "evaluation_url"},
		{"attachment without name", func(r *domain.DeploymentRequest) {
			r.Attachments = []domain.Attachment{{URL: "data:text/plain;base64,aGk="}}
		}, "attachments[0].name"},
		{"attachment escaping the project", func(r *domain.DeploymentRequest) {
			r.Attachments = []domain.Attachment{{Name: "../../escaped.txt", URL: "data:text/plain;base64,aGk="}}
		}, "attachments[0].name"},
		{"attachment inside .git", func(r *domain.DeploymentRequest) {
			r.Attachments = []domain.Attachment{{Name: ".git/config", URL: "data:text/plain;base64,aGk="}}
		}, "attachments[0].name"},
		{"attachment bad scheme", func(r *domain.DeploymentRequest) {
			r.Attachments = []domain.Attachment{{Name: "a", URL: "data:text/plain;base64,aGk="}, {Name: "b", URL: "ftp://host/file"}}
		}, "attachments[1].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tc.mod(&req)

			_, err := f.svc.Deploy(context.Background(), req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field=%q want %q", ve.Field, tc.field)
			}
			if f.gen.calls.Load() != 0 || len(f.note.all()) != 0 {
				t.Fatal("side effects on invalid input")
			}
			if total, _ := repo.CountDeployments(context.Background(), f.db, ""); total != 0 {
				t.Fatalf("records=%d", total)
			}
		})
	}
}

func TestDeploy_GenerationFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("llm unavailable")
	f.gen.fn = func(context.Context, domain.GenerateInput) (*domain.Project, error) { return nil, boom }

	_, err := f.svc.Deploy(context.Background(), validRequest())
	var gerr *GenerationError
	if !errors.As(err, &gerr) || !errors.Is(err, boom) {
		t.Fatalf("want GenerationError wrapping boom, got %v", err)
	}
	if f.pub.calls.Load() != 0 {
		t.Fatal("publisher must not run after a generation failure")
	}
	key := validRequest().Key()
	rec, _ := repo.GetDeployment(context.Background(), f.db, key)
	if rec.Status != domain.StatusFailed || rec.Error == nil {
		t.Fatalf("record=%+v", rec)
	}
	sent := f.note.all()
	if len(sent) != 1 || sent[0].payload.OK == nil || *sent[0].payload.OK || sent[0].payload.Error == "" {
		t.Fatalf("failure notification=%+v", sent)
	}

	// Same key again with a healthy generator restarts cleanly.
	f.gen.fn = nil
	res, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Replayed {
		t.Fatal("retry after failure is not a replay")
	}
	rec, _ = repo.GetDeployment(context.Background(), f.db, key)
	if rec.Status != domain.StatusPublished || rec.Attempts != 2 || rec.Error != nil {
		t.Fatalf("record after retry=%+v", rec)
	}
}

func TestDeploy_EmptyProjectIsGenerationError(t *testing.T) {
	f := newFixture(t)
	f.gen.fn = func(context.Context, domain.GenerateInput) (*domain.Project, error) { return &domain.Project{}, nil }

	_, err := f.svc.Deploy(context.Background(), validRequest())
	if !errors.Is(err, errEmptyProject) {
		t.Fatalf("want errEmptyProject, got %v", err)
	}
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("want GenerationError, got %T", err)
	}
}

func TestDeploy_PublishFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("github 500")
	f.pub.fn = func(context.Context, string, *domain.Project) (*domain.PublishResult, error) { return nil, boom }

	_, err := f.svc.Deploy(context.Background(), validRequest())
	var perr *PublishError
	if !errors.As(err, &perr) || !errors.Is(err, boom) {
		t.Fatalf("want PublishError, got %v", err)
	}
	if f.pub.calls.Load() != 1 {
		t.Fatalf("publish must not be retried synchronously, calls=%d", f.pub.calls.Load())
	}
	rec, _ := repo.GetDeployment(context.Background(), f.db, validRequest().Key())
	if rec.Status != domain.StatusFailed {
		t.Fatalf("status=%s", rec.Status)
	}
	if m := f.arts.manifests["captcha-solver-x-N1"]; m.Status != "failed" || len(m.Files) == 0 {
		t.Fatalf("manifest=%+v", m)
	}
}

func TestDeploy_AttachmentFailuresAreDropped(t *testing.T) {
	f := newFixture(t)
	f.svc.Resolver = &stubResolver{fn: func(_ context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error) {
		return []domain.ResolvedAttachment{{Name: atts[0].Name, MediaType: "image/png", Content: []byte{0x89, 'P'}}},
			[]error{errors.New("fetch failed")}
	}}
	req := validRequest()
	req.Attachments = []domain.Attachment{
		{Name: "sample.png", URL: "data:image/png;base64,iVA="},
		{Name: "broken.png", URL: "https://example.com/missing.png"},
	}

	if _, err := f.svc.Deploy(context.Background(), req); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got := f.gen.last.Attachments; len(got) != 1 || got[0].Name != "sample.png" {
		t.Fatalf("generator attachments=%+v", got)
	}
	if p := f.arts.saved["captcha-solver-x-N1"]; p == nil || !p.Has("sample.png") {
		t.Fatal("resolved attachment should be shipped with the project")
	}
}

func TestDeploy_AttachmentNamesStayInsideWorkspace(t *testing.T) {
	f := newFixture(t)
	parent := t.TempDir()
	root := filepath.Join(parent, "repos")
	f.svc.Artifacts = artifacts.NewWorkspace(root, nil, zerolog.Nop())
	f.svc.Resolver = &stubResolver{fn: func(_ context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error) {
		return []domain.ResolvedAttachment{
			{Name: "./img//logo.png", Content: []byte("png")},
			{Name: "../../escaped.txt", Content: []byte("x")},
		}, nil
	}}
	req := validRequest()
	req.Attachments = []domain.Attachment{{Name: "img/logo.png", URL: "data:image/png;base64,iVA="}}

	if _, err := f.svc.Deploy(context.Background(), req); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "captcha-solver-x-N1", "img", "logo.png")); err != nil {
		t.Fatalf("sanitized attachment missing: %v", err)
	}
	for _, p := range []string{filepath.Join(parent, "escaped.txt"), filepath.Join(root, "escaped.txt")} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("attachment escaped the project directory: %s", p)
		}
	}
}

func TestDeploy_DistinctKeysRunSeparately(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.gen.fn = func(ctx context.Context, in domain.GenerateInput) (*domain.Project, error) {
		<-release
		return &domain.Project{Files: []domain.File{{Path: "index.html", Content: []byte(in.Task)}}}, nil
	}

	a := validRequest()
	a.Task, a.Nonce = "a-1", "x"
	b := validRequest()
	b.Task, b.Nonce = "a", "1-x"

	var wg sync.WaitGroup
	var resA, resB *Result
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); resA, errA = f.svc.Deploy(context.Background(), a) }()
	go func() { defer wg.Done(); resB, errB = f.svc.Deploy(context.Background(), b) }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("deploy: a=%v b=%v", errA, errB)
	}
	if resA.Task != "a-1" || resB.Task != "a" || resA.RepoURL == resB.RepoURL {
		t.Fatalf("results merged: a=%+v b=%+v", resA, resB)
	}
	if f.gen.calls.Load() != 2 || f.pub.calls.Load() != 2 {
		t.Fatalf("calls gen=%d pub=%d", f.gen.calls.Load(), f.pub.calls.Load())
	}
	if total, _ := repo.CountDeployments(context.Background(), f.db, domain.StatusPublished); total != 2 {
		t.Fatalf("published records=%d", total)
	}
}

func TestDeploy_RoundTwoReceivesPreviousFiles(t *testing.T) {
	f := newFixture(t)
	f.arts.previous["captcha-solver-x-N1"] = []domain.File{{Path: "index.html", Content: []byte("v1")}}
	req := validRequest()
	req.Round = 2

	if _, err := f.svc.Deploy(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	in := f.gen.last
	if in.Round != 2 || len(in.PreviousFiles) != 1 || string(in.PreviousFiles[0].Content) != "v1" {
		t.Fatalf("generate input=%+v", in)
	}
}

func TestDeploy_StalePendingIsTakenOver(t *testing.T) {
	f := newFixture(t)
	key := validRequest().Key()
	if _, err := repo.CreatePending(context.Background(), f.db, key, "old@example.com"); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Replayed || f.pub.calls.Load() != 1 {
		t.Fatalf("expected takeover publish, res=%+v calls=%d", res, f.pub.calls.Load())
	}
	rec, _ := repo.GetDeployment(context.Background(), f.db, key)
	if rec.Attempts != 2 || rec.Email != "student@example.com" {
		t.Fatalf("record=%+v", rec)
	}
}

func TestDeploy_WaitsForPendingThatPublishes(t *testing.T) {
	f := newFixture(t)
	f.svc.PendingWait = 2 * time.Second
	key := validRequest().Key()
	if _, err := repo.CreatePending(context.Background(), f.db, key, "student@example.com"); err != nil {
		t.Fatal(err)
	}
	want := domain.PublishResult{RepoURL: "https://github.com/octo/other", CommitSHA: "abc", PagesURL: "https://octo.github.io/other/"}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = repo.MarkPublished(context.Background(), f.db, key, want)
	}()

	res, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !res.Replayed || res.PublishResult != want {
		t.Fatalf("res=%+v", res)
	}
	if f.gen.calls.Load() != 0 {
		t.Fatal("generator must not run when the other attempt published")
	}
}

func TestDeploy_LosingCASReturnsWinner(t *testing.T) {
	f := newFixture(t)
	key := validRequest().Key()
	winner := domain.PublishResult{RepoURL: "https://github.com/octo/winner", CommitSHA: "w1", PagesURL: "https://octo.github.io/winner/"}
	f.pub.fn = func(ctx context.Context, name string, _ *domain.Project) (*domain.PublishResult, error) {
		// Another process publishes while this attempt is pushing.
		if _, err := repo.MarkPublished(ctx, f.db, key, winner); err != nil {
			return nil, err
		}
		return &domain.PublishResult{RepoURL: "https://github.com/octo/loser", CommitSHA: "l1", PagesURL: "x"}, nil
	}

	res, err := f.svc.Deploy(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.PublishResult != winner {
		t.Fatalf("got %+v, want winner %+v", res.PublishResult, winner)
	}
	rec, _ := repo.GetDeployment(context.Background(), f.db, key)
	if rec.CommitSHA != "w1" {
		t.Fatalf("stored result changed: %+v", rec)
	}
}

func TestDeploy_EvaluatorDownStillSucceeds(t *testing.T) {
	var hits atomic.Int32
	evaluator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer evaluator.Close()

	f := newFixture(t)
	n := notifier.New(notifier.Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Timeout:     time.Second,
		Client:      evaluator.Client(),
		Logger:      zerolog.Nop(),
	})
	f.svc.Notifier = n
	req := validRequest()
	req.EvaluationURL = evaluator.URL + "/notify"

	res, err := f.svc.Deploy(context.Background(), req)
	if err != nil || res.CommitSHA == "" {
		t.Fatalf("deploy must succeed regardless of the evaluator: res=%+v err=%v", res, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("evaluator hit %d times, want 3", hits.Load())
	}
	rec, _ := repo.GetDeployment(context.Background(), f.db, req.Key())
	if rec.Status != domain.StatusPublished {
		t.Fatalf("notification failure changed the record: %+v", rec)
	}
}

func TestDeploy_CanceledRequestContextDoesNotAbortPublish(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.pub.fn = func(pctx context.Context, name string, _ *domain.Project) (*domain.PublishResult, error) {
		cancel()
		if err := pctx.Err(); err != nil {
			return nil, err
		}
		return &domain.PublishResult{RepoURL: "r", CommitSHA: "c", PagesURL: "p"}, nil
	}

	if _, err := f.svc.Deploy(ctx, validRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
}
