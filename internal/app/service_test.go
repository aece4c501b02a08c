package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"atelier/api/internal/config"
	"atelier/api/internal/editlock"
	"atelier/api/internal/editor"
	"atelier/api/internal/search"
	"atelier/api/internal/snapshot"
	"atelier/api/internal/store"
)

type fakeStore struct {
	getProjectFn        func(context.Context, string) (store.Project, error)
	getProjectBySlugFn  func(context.Context, string, string) (store.Project, error)
	listProjectsFn      func(context.Context, string) ([]store.Project, error)
	listPublishedFn     func(context.Context) ([]store.Project, error)
	createProjectFn     func(context.Context, string, string) (store.Project, error)
	saveProjectFn       func(context.Context, store.SaveProjectRequest) (store.Project, error)
	deleteProjectFn     func(context.Context, string) error
	listRedirectsFn     func(context.Context, string) ([]store.Redirect, error)
	deleteRedirectFn    func(context.Context, string, string) error
	createPreviewFn     func(context.Context, string, string, *string, *time.Time) (store.PreviewLink, error)
	getPreviewByTokenFn func(context.Context, string) (store.PreviewLink, error)
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) GetProjectBySlug(ctx context.Context, owner, slugValue string) (store.Project, error) {
	if f.getProjectBySlugFn != nil {
		return f.getProjectBySlugFn(ctx, owner, slugValue)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjects(ctx context.Context, owner string) ([]store.Project, error) {
	if f.listProjectsFn != nil {
		return f.listProjectsFn(ctx, owner)
	}
	return nil, nil
}
func (f *fakeStore) ListPublishedProjects(ctx context.Context) ([]store.Project, error) {
	if f.listPublishedFn != nil {
		return f.listPublishedFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CreateProject(ctx context.Context, owner, title string) (store.Project, error) {
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, owner, title)
	}
	return store.Project{}, nil
}
func (f *fakeStore) SaveProject(ctx context.Context, req store.SaveProjectRequest) (store.Project, error) {
	if f.saveProjectFn != nil {
		return f.saveProjectFn(ctx, req)
	}
	return store.Project{}, nil
}
func (f *fakeStore) DeleteProject(ctx context.Context, id string) error {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ListRedirects(ctx context.Context, projectID string) ([]store.Redirect, error) {
	if f.listRedirectsFn != nil {
		return f.listRedirectsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteRedirect(ctx context.Context, projectID, redirectID string) error {
	if f.deleteRedirectFn != nil {
		return f.deleteRedirectFn(ctx, projectID, redirectID)
	}
	return nil
}
func (f *fakeStore) CreatePreviewLink(ctx context.Context, projectID, token string, passwordHash *string, expiresAt *time.Time) (store.PreviewLink, error) {
	if f.createPreviewFn != nil {
		return f.createPreviewFn(ctx, projectID, token, passwordHash, expiresAt)
	}
	return store.PreviewLink{ProjectID: projectID, Token: token, PasswordHash: passwordHash, ExpiresAt: expiresAt}, nil
}
func (f *fakeStore) GetPreviewLinkByToken(ctx context.Context, token string) (store.PreviewLink, error) {
	if f.getPreviewByTokenFn != nil {
		return f.getPreviewByTokenFn(ctx, token)
	}
	return store.PreviewLink{}, sql.ErrNoRows
}
func (f *fakeStore) ListPreviewLinks(context.Context, string) ([]store.PreviewLink, error) {
	return nil, nil
}
func (f *fakeStore) RevokePreviewLink(context.Context, string, string) error { return nil }
func (f *fakeStore) Ping(context.Context) error                             { return nil }

type fakeLocker struct {
	mu      sync.Mutex
	holders map[string]string
	fail    error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{holders: make(map[string]string)}
}

func (f *fakeLocker) Acquire(_ context.Context, projectID, holder string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.holders[projectID]; ok && current != holder {
		return editlock.ErrHeld
	}
	f.holders[projectID] = holder
	return nil
}
func (f *fakeLocker) Refresh(context.Context, string, string) error { return nil }
func (f *fakeLocker) Release(_ context.Context, projectID, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[projectID] == holder {
		delete(f.holders, projectID)
	}
	return nil
}

type fakeSearch struct {
	mu        sync.Mutex
	indexed   []search.ProjectRecord
	deleted   []string
	reindexed [][]search.ProjectRecord
}

func (f *fakeSearch) Search(search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexProject(rec search.ProjectRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}
func (f *fakeSearch) DeleteProject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}
func (f *fakeSearch) ReindexAll(records []search.ProjectRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed = append(f.reindexed, records)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	records []snapshot.Content
}

func (f *fakeSnapshots) Record(projectID string, content snapshot.Content, author, message string) (snapshot.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, content)
	return snapshot.CommitInfo{Hash: "abc1234", Message: message, Author: author}, nil
}
func (f *fakeSnapshots) History(string, int) ([]snapshot.CommitInfo, error) { return nil, nil }

func testProject() store.Project {
	return store.Project{
		ID:        "proj_1",
		Owner:     "ada",
		Title:     "My Portfolio",
		Slug:      "my-portfolio",
		Status:    "draft",
		Content:   []byte(`{"blocks":[{"kind":"text","content":"hi","style":"body"}]}`),
		UpdatedAt: time.Now(),
	}
}

func newTestService(st dataStore) (*Service, *fakeLocker, *fakeSearch, *fakeSnapshots) {
	locker := newFakeLocker()
	searchSvc := &fakeSearch{}
	snapshots := &fakeSnapshots{}
	svc := &Service{
		cfg: config.Config{
			AutosaveDebounce: time.Hour,
			AutosaveGrace:    time.Nanosecond,
		},
		store:     st,
		locks:     locker,
		search:    searchSvc,
		snapshots: snapshots,
		editors:   make(map[string]*editorEntry),
	}
	return svc, locker, searchSvc, snapshots
}

func TestOpenEditorReturnsDocumentWithIdentifiers(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			p := testProject()
			p.ID = id
			return p, nil
		},
	}
	svc, locker, _, _ := newTestService(st)
	defer svc.Close(context.Background())

	state, err := svc.OpenEditor(context.Background(), "proj_1", "client-a")
	if err != nil {
		t.Fatalf("OpenEditor() error = %v", err)
	}
	if state.ClientID != "client-a" || state.Title != "My Portfolio" || state.Slug != "my-portfolio" {
		t.Errorf("unexpected state: %+v", state)
	}

	var doc struct {
		Blocks []map[string]any `json:"blocks"`
	}
	if err := json.Unmarshal(state.Document, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(doc.Blocks))
	}
	if id, _ := doc.Blocks[0]["id"].(string); id == "" {
		t.Error("editing document must carry block identifiers")
	}

	locker.mu.Lock()
	holder := locker.holders["proj_1"]
	locker.mu.Unlock()
	if holder != "client-a" {
		t.Errorf("expected lock held by client-a, got %q", holder)
	}
}

func TestOpenEditorConflict(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
	}
	svc, _, _, _ := newTestService(st)
	defer svc.Close(context.Background())

	if _, err := svc.OpenEditor(context.Background(), "proj_1", "client-a"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.OpenEditor(context.Background(), "proj_1", "client-b")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %v", err)
	}
}

func TestApplyOpRequiresMatchingClient(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
	}
	svc, _, _, _ := newTestService(st)
	defer svc.Close(context.Background())

	if _, err := svc.OpenEditor(context.Background(), "proj_1", "client-a"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.ApplyOp(context.Background(), "proj_1", "client-b", Op{Type: "addBlock", Kind: "text"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %v", err)
	}

	payload, err := svc.ApplyOp(context.Background(), "proj_1", "client-a", Op{Type: "addBlock", Kind: "text"})
	if err != nil {
		t.Fatalf("ApplyOp() error = %v", err)
	}
	if id, _ := payload["blockId"].(string); id == "" {
		t.Error("addBlock should report the new block id")
	}
}

func TestApplyOpRejectsUnknownType(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
	}
	svc, _, _, _ := newTestService(st)
	defer svc.Close(context.Background())

	if _, err := svc.OpenEditor(context.Background(), "proj_1", "client-a"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.ApplyOp(context.Background(), "proj_1", "client-a", Op{Type: "teleport"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_OP" {
		t.Fatalf("expected INVALID_OP, got %v", err)
	}
}

func TestCloseEditorReleasesLock(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
		saveProjectFn: func(_ context.Context, req store.SaveProjectRequest) (store.Project, error) {
			p := testProject()
			p.Title = req.Title
			p.Slug = req.Slug
			p.Status = req.Status
			return p, nil
		},
	}
	svc, locker, _, _ := newTestService(st)

	if _, err := svc.OpenEditor(context.Background(), "proj_1", "client-a"); err != nil {
		t.Fatal(err)
	}
	if err := svc.CloseEditor(context.Background(), "proj_1", "client-a"); err != nil {
		t.Fatalf("CloseEditor() error = %v", err)
	}

	locker.mu.Lock()
	_, held := locker.holders["proj_1"]
	locker.mu.Unlock()
	if held {
		t.Error("lock should be released on close")
	}

	// A different client can now open the session.
	if _, err := svc.OpenEditor(context.Background(), "proj_1", "client-b"); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	svc.Close(context.Background())
}

func TestSaveProjectPublishedIndexesAndSnapshots(t *testing.T) {
	st := &fakeStore{
		saveProjectFn: func(_ context.Context, req store.SaveProjectRequest) (store.Project, error) {
			p := testProject()
			p.Title = req.Title
			p.Status = req.Status
			p.Content = req.Content
			return p, nil
		},
	}
	svc, _, searchSvc, snapshots := newTestService(st)

	res, err := svc.SaveProject(context.Background(), "proj_1", editorSavePayload("published"))
	if err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}
	if res.Slug != "my-portfolio" {
		t.Errorf("unexpected canonical slug %q", res.Slug)
	}

	searchSvc.mu.Lock()
	indexed := len(searchSvc.indexed)
	var body string
	if indexed > 0 {
		body = searchSvc.indexed[0].Body
	}
	searchSvc.mu.Unlock()
	if indexed != 1 {
		t.Fatalf("expected 1 indexed record, got %d", indexed)
	}
	if !strings.Contains(body, "hi") {
		t.Errorf("indexed body missing block text: %q", body)
	}

	snapshots.mu.Lock()
	recorded := len(snapshots.records)
	snapshots.mu.Unlock()
	if recorded != 1 {
		t.Errorf("expected 1 snapshot, got %d", recorded)
	}
}

func TestSaveProjectDraftRemovesFromIndex(t *testing.T) {
	st := &fakeStore{
		saveProjectFn: func(_ context.Context, req store.SaveProjectRequest) (store.Project, error) {
			p := testProject()
			p.Status = req.Status
			return p, nil
		},
	}
	svc, _, searchSvc, snapshots := newTestService(st)

	if _, err := svc.SaveProject(context.Background(), "proj_1", editorSavePayload("draft")); err != nil {
		t.Fatal(err)
	}

	searchSvc.mu.Lock()
	deleted := len(searchSvc.deleted)
	indexed := len(searchSvc.indexed)
	searchSvc.mu.Unlock()
	if deleted != 1 || indexed != 0 {
		t.Errorf("draft save: deleted=%d indexed=%d", deleted, indexed)
	}

	snapshots.mu.Lock()
	recorded := len(snapshots.records)
	snapshots.mu.Unlock()
	if recorded != 0 {
		t.Errorf("draft save should not snapshot, got %d", recorded)
	}
}

func TestReindexSearchPushesPublishedProjects(t *testing.T) {
	st := &fakeStore{
		listPublishedFn: func(context.Context) ([]store.Project, error) {
			a := testProject()
			a.Status = "published"
			b := testProject()
			b.ID = "proj_2"
			b.Slug = "second"
			b.Status = "published"
			return []store.Project{a, b}, nil
		},
	}
	svc, _, searchSvc, _ := newTestService(st)

	if err := svc.ReindexSearch(context.Background()); err != nil {
		t.Fatalf("ReindexSearch() error = %v", err)
	}

	searchSvc.mu.Lock()
	defer searchSvc.mu.Unlock()
	if len(searchSvc.reindexed) != 1 {
		t.Fatalf("expected one reindex batch, got %d", len(searchSvc.reindexed))
	}
	batch := searchSvc.reindexed[0]
	if len(batch) != 2 || batch[0].ID != "proj_1" || batch[1].ID != "proj_2" {
		t.Errorf("unexpected batch %+v", batch)
	}
	if batch[0].Body == "" {
		t.Error("record body should carry the block text")
	}
}

func TestPublicPageReportsRedirect(t *testing.T) {
	st := &fakeStore{
		getProjectBySlugFn: func(_ context.Context, owner, slugValue string) (store.Project, error) {
			p := testProject()
			p.Status = "published"
			return p, nil
		},
	}
	svc, _, _, _ := newTestService(st)

	_, redirected, err := svc.PublicPage(context.Background(), "ada", "my-portfolio")
	if err != nil {
		t.Fatal(err)
	}
	if redirected {
		t.Error("canonical slug should not report a redirect")
	}

	_, redirected, err = svc.PublicPage(context.Background(), "ada", "old-slug")
	if err != nil {
		t.Fatal(err)
	}
	if !redirected {
		t.Error("renamed slug should report a redirect")
	}
}

func TestPublicPageHidesDrafts(t *testing.T) {
	st := &fakeStore{
		getProjectBySlugFn: func(context.Context, string, string) (store.Project, error) {
			return testProject(), nil
		},
	}
	svc, _, _, _ := newTestService(st)

	_, _, err := svc.PublicPage(context.Background(), "ada", "my-portfolio")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for draft, got %v", err)
	}
}

func TestPreviewChecksPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	hashStr := string(hash)
	st := &fakeStore{
		getPreviewByTokenFn: func(_ context.Context, token string) (store.PreviewLink, error) {
			if token != "tok_1" {
				return store.PreviewLink{}, sql.ErrNoRows
			}
			return store.PreviewLink{ProjectID: "proj_1", Token: token, PasswordHash: &hashStr}, nil
		},
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
	}
	svc, _, _, _ := newTestService(st)

	if _, err := svc.Preview(context.Background(), "tok_1", "wrong"); err == nil {
		t.Fatal("expected password rejection")
	}
	p, err := svc.Preview(context.Background(), "tok_1", "sekrit")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if p.ID != "proj_1" {
		t.Errorf("unexpected project %q", p.ID)
	}
	// Drafts are visible through preview links.
	if p.Status != "draft" {
		t.Errorf("expected draft, got %q", p.Status)
	}
}

func TestCreatePreviewLinkHashesPassword(t *testing.T) {
	var gotHash *string
	st := &fakeStore{
		createPreviewFn: func(_ context.Context, projectID, token string, passwordHash *string, expiresAt *time.Time) (store.PreviewLink, error) {
			gotHash = passwordHash
			return store.PreviewLink{ProjectID: projectID, Token: token, PasswordHash: passwordHash, ExpiresAt: expiresAt}, nil
		},
	}
	svc, _, _, _ := newTestService(st)

	link, err := svc.CreatePreviewLink(context.Background(), "proj_1", "hunter2", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if link.Token == "" {
		t.Error("expected a token")
	}
	if gotHash == nil {
		t.Fatal("password must be hashed and stored")
	}
	if *gotHash == "hunter2" {
		t.Error("password stored in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*gotHash), []byte("hunter2")); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}
	if link.ExpiresAt == nil {
		t.Error("expected an expiry")
	}
}

func editorSavePayload(status string) editor.SavePayload {
	return editor.SavePayload{
		Title:   "My Portfolio",
		Slug:    "my-portfolio",
		Status:  status,
		Content: []byte(`{"blocks":[{"kind":"text","content":"hi","style":"body"}]}`),
	}
}
