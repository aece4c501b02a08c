package app

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"atelier/api/internal/block"
	"atelier/api/internal/config"
	"atelier/api/internal/editor"
	"atelier/api/internal/export"
	"atelier/api/internal/search"
	"atelier/api/internal/snapshot"
	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

type dataStore interface {
	GetProject(context.Context, string) (store.Project, error)
	GetProjectBySlug(context.Context, string, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	ListPublishedProjects(context.Context) ([]store.Project, error)
	CreateProject(context.Context, string, string) (store.Project, error)
	SaveProject(context.Context, store.SaveProjectRequest) (store.Project, error)
	DeleteProject(context.Context, string) error
	ListRedirects(context.Context, string) ([]store.Redirect, error)
	DeleteRedirect(context.Context, string, string) error
	CreatePreviewLink(context.Context, string, string, *string, *time.Time) (store.PreviewLink, error)
	GetPreviewLinkByToken(context.Context, string) (store.PreviewLink, error)
	ListPreviewLinks(context.Context, string) ([]store.PreviewLink, error)
	RevokePreviewLink(context.Context, string, string) error
	Ping(ctx context.Context) error
}

type editLocker interface {
	Acquire(ctx context.Context, projectID, holder string) error
	Refresh(ctx context.Context, projectID, holder string) error
	Release(ctx context.Context, projectID, holder string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexProject(rec search.ProjectRecord)
	DeleteProject(id string)
	ReindexAll(records []search.ProjectRecord)
}

type snapshotStore interface {
	Record(projectID string, content snapshot.Content, author, message string) (snapshot.CommitInfo, error)
	History(projectID string, limit int) ([]snapshot.CommitInfo, error)
}

type assetStore interface {
	Upload(ctx context.Context, kind, filename string, size int64, r io.Reader) (string, error)
}

type editorEntry struct {
	session *editor.Session
	holder  string
	hub     *eventHub
}

type Service struct {
	cfg       config.Config
	store     dataStore
	locks     editLocker
	search    searchIndex
	snapshots snapshotStore
	assets    assetStore
	exporter  *export.Service

	mu      sync.Mutex
	editors map[string]*editorEntry
}

func New(cfg config.Config, st dataStore, locks editLocker, searchSvc searchIndex, snapshots snapshotStore, assetSvc assetStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		locks:     locks,
		search:    searchSvc,
		snapshots: snapshots,
		assets:    assetSvc,
		exporter:  export.NewService(),
		editors:   make(map[string]*editorEntry),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- project CRUD ----

func (s *Service) ListProjects(ctx context.Context, owner string) ([]store.Project, error) {
	return s.store.ListProjects(ctx, owner)
}

func (s *Service) CreateProject(ctx context.Context, owner, title string) (store.Project, error) {
	if owner == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "owner is required", nil)
	}
	return s.store.CreateProject(ctx, owner, title)
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	entry := s.editors[projectID]
	delete(s.editors, projectID)
	s.mu.Unlock()
	if entry != nil {
		entry.session.Close()
		_ = s.locks.Release(ctx, projectID, entry.holder)
	}

	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.search.DeleteProject(projectID)
	return nil
}

// ---- editor sessions ----

// EditorState is the snapshot handed to a client when it opens (or polls)
// an editing session.
type EditorState struct {
	ProjectID   string          `json:"projectId"`
	ClientID    string          `json:"clientId"`
	Title       string          `json:"title"`
	Slug        string          `json:"slug"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Document    json.RawMessage `json:"document"`
	SaveState   saveStateView   `json:"saveState"`
}

type saveStateView struct {
	IsSaving    bool   `json:"isSaving"`
	Dirty       bool   `json:"dirty"`
	LastSavedAt string `json:"lastSavedAt,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

func toSaveStateView(st editor.SaveState) saveStateView {
	v := saveStateView{
		IsSaving:  st.IsSaving,
		Dirty:     st.Dirty,
		LastError: st.LastError,
	}
	if !st.LastSavedAt.IsZero() {
		v.LastSavedAt = st.LastSavedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// OpenEditor starts (or rejoins) the single editing session for a project.
// The edit lock guarantees at most one client edits a project at a time.
func (s *Service) OpenEditor(ctx context.Context, projectID, clientID string) (EditorState, error) {
	if clientID == "" {
		clientID = util.NewID("client")
	}
	if err := s.locks.Acquire(ctx, projectID, clientID); err != nil {
		return EditorState{}, domainError(http.StatusConflict, "EDITOR_BUSY", err.Error(), nil)
	}

	s.mu.Lock()
	if entry, ok := s.editors[projectID]; ok {
		// Lock acquisition above already proved this client is the holder.
		entry.holder = clientID
		state := s.stateLocked(projectID, entry)
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()

	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		_ = s.locks.Release(ctx, projectID, clientID)
		return EditorState{}, err
	}

	session := editor.NewSession(editor.Project{
		ID:          p.ID,
		Owner:       p.Owner,
		Title:       p.Title,
		Slug:        p.Slug,
		Description: p.Description,
		Status:      p.Status,
		Content:     p.Content,
		UpdatedAt:   p.UpdatedAt,
	}, s, editor.Options{Debounce: s.cfg.AutosaveDebounce, Grace: s.cfg.AutosaveGrace})

	entry := &editorEntry{session: session, holder: clientID, hub: newEventHub()}
	session.OnDocumentChange(func(doc block.Document) {
		entry.hub.broadcastDocument(doc)
	})
	session.OnSaveStateChange(func(st editor.SaveState) {
		v := toSaveStateView(st)
		entry.hub.broadcast(event{Type: "saveState", SaveState: &v})
	})
	session.OnNavigate(func(slugValue string) {
		entry.hub.broadcast(event{Type: "navigate", Slug: slugValue})
	})

	s.mu.Lock()
	s.editors[projectID] = entry
	state := s.stateLocked(projectID, entry)
	s.mu.Unlock()
	return state, nil
}

func (s *Service) stateLocked(projectID string, entry *editorEntry) EditorState {
	doc, err := block.MarshalEditing(entry.session.Document())
	if err != nil {
		doc = []byte(`{"blocks":[]}`)
	}
	return EditorState{
		ProjectID:   projectID,
		ClientID:    entry.holder,
		Title:       entry.session.Title(),
		Slug:        entry.session.Slug(),
		Description: entry.session.Description(),
		Status:      entry.session.Status(),
		Document:    doc,
		SaveState:   toSaveStateView(entry.session.Controller().State()),
	}
}

// CloseEditor flushes pending work, tears the session down and releases
// the edit lock.
func (s *Service) CloseEditor(ctx context.Context, projectID, clientID string) error {
	entry, err := s.editorFor(projectID, clientID)
	if err != nil {
		return err
	}
	if err := entry.session.Flush(ctx); err != nil {
		log.Printf("app: final flush for project %s: %v", projectID, err)
	}

	s.mu.Lock()
	delete(s.editors, projectID)
	s.mu.Unlock()

	entry.session.Close()
	entry.hub.close()
	return s.locks.Release(ctx, projectID, clientID)
}

func (s *Service) editorFor(projectID, clientID string) (*editorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.editors[projectID]
	if !ok {
		return nil, domainError(http.StatusNotFound, "NO_EDITOR_SESSION", "No editing session for this project", nil)
	}
	if clientID != "" && entry.holder != clientID {
		return nil, domainError(http.StatusConflict, "EDITOR_BUSY", "Project is being edited in another session", nil)
	}
	return entry, nil
}

// Events returns the event stream hub for a project's open session.
func (s *Service) Events(projectID string) (*eventHub, error) {
	entry, err := s.editorFor(projectID, "")
	if err != nil {
		return nil, err
	}
	return entry.hub, nil
}

// Op is one editor mutation, carried in the envelope posted by clients.
type Op struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind,omitempty"`
	BlockID string          `json:"blockId,omitempty"`
	AfterID string          `json:"afterId,omitempty"`
	SlotID  string          `json:"slotId,omitempty"`
	Block   json.RawMessage `json:"block,omitempty"`
	Count   int             `json:"count,omitempty"`
	Width   string          `json:"width,omitempty"`
	Value   string          `json:"value,omitempty"`
	Source  *block.Ref      `json:"source,omitempty"`
	Target  *block.Ref      `json:"target,omitempty"`
}

// ApplyOp dispatches one mutation to the project's editing session.
func (s *Service) ApplyOp(ctx context.Context, projectID, clientID string, op Op) (map[string]any, error) {
	entry, err := s.editorFor(projectID, clientID)
	if err != nil {
		return nil, err
	}
	sess := entry.session

	switch op.Type {
	case "addBlock":
		var b block.Block
		var err error
		if op.SlotID != "" {
			b, err = sess.AddBlockToSlot(op.SlotID, block.Kind(op.Kind), op.AfterID)
		} else {
			b, err = sess.AddBlock(block.Kind(op.Kind), op.AfterID)
		}
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", err.Error(), nil)
		}
		return map[string]any{"ok": true, "blockId": b.BlockID()}, nil
	case "updateBlock":
		if err := sess.UpdateBlock(op.BlockID, op.Block); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", err.Error(), nil)
		}
	case "removeBlock":
		sess.RemoveBlock(op.BlockID)
	case "reorder":
		if op.Source == nil || op.Target == nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", "reorder needs source and target refs", nil)
		}
		sess.Reorder(*op.Source, *op.Target)
	case "setColumnCount":
		if err := sess.SetColumnCount(op.BlockID, op.Count); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", err.Error(), nil)
		}
	case "setContainerWidth":
		if err := sess.SetContainerWidth(op.BlockID, block.Width(op.Width)); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", err.Error(), nil)
		}
	case "setTitle":
		sess.SetTitle(op.Value)
	case "setSlug":
		sess.SetSlug(op.Value)
	case "resetSlug":
		return map[string]any{"ok": true, "slug": sess.ResetSlug()}, nil
	case "setDescription":
		sess.SetDescription(op.Value)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OP", fmt.Sprintf("unknown op type %q", op.Type), nil)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) FlushEditor(ctx context.Context, projectID, clientID string) error {
	entry, err := s.editorFor(projectID, clientID)
	if err != nil {
		return err
	}
	return entry.session.Flush(ctx)
}

func (s *Service) Publish(ctx context.Context, projectID, clientID string) error {
	entry, err := s.editorFor(projectID, clientID)
	if err != nil {
		return err
	}
	return entry.session.Publish(ctx)
}

func (s *Service) Unpublish(ctx context.Context, projectID, clientID string) error {
	entry, err := s.editorFor(projectID, clientID)
	if err != nil {
		return err
	}
	return entry.session.Unpublish(ctx)
}

// SaveProject implements the persistence gateway for editing sessions.
// The store decides the canonical slug; search and snapshot side effects
// run after the write and never fail the save.
func (s *Service) SaveProject(ctx context.Context, projectID string, payload editor.SavePayload) (editor.SaveResult, error) {
	saved, err := s.store.SaveProject(ctx, store.SaveProjectRequest{
		ProjectID:   projectID,
		Title:       payload.Title,
		Slug:        payload.Slug,
		Description: payload.Description,
		Status:      payload.Status,
		Content:     payload.Content,
	})
	if err != nil {
		return editor.SaveResult{}, err
	}

	s.afterSave(saved)

	return editor.SaveResult{
		Slug:      saved.Slug,
		Status:    saved.Status,
		UpdatedAt: saved.UpdatedAt,
	}, nil
}

func (s *Service) afterSave(saved store.Project) {
	if saved.Status != "published" {
		s.search.DeleteProject(saved.ID)
		return
	}

	s.search.IndexProject(searchRecord(saved))

	var wrapper struct {
		Blocks json.RawMessage `json:"blocks"`
	}
	_ = json.Unmarshal(saved.Content, &wrapper)
	if _, err := s.snapshots.Record(saved.ID, snapshot.Content{
		Title:       saved.Title,
		Slug:        saved.Slug,
		Description: saved.Description,
		Blocks:      wrapper.Blocks,
	}, saved.Owner, "Publish "+saved.Slug); err != nil {
		log.Printf("app: snapshot project %s: %v", saved.ID, err)
	}
}

func searchRecord(p store.Project) search.ProjectRecord {
	doc, err := block.UnmarshalContent(p.Content)
	if err != nil {
		doc = block.Document{}
	}
	return search.ProjectRecord{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Body:        search.BodyText(doc),
		Slug:        p.Slug,
		Owner:       p.Owner,
		Status:      p.Status,
	}
}

// ReindexSearch rebuilds the search index from every published project.
// Run once at startup, so the index recovers after a wiped search volume
// without waiting for the next publish of each project.
func (s *Service) ReindexSearch(ctx context.Context) error {
	projects, err := s.store.ListPublishedProjects(ctx)
	if err != nil {
		return fmt.Errorf("list published projects: %w", err)
	}
	records := make([]search.ProjectRecord, 0, len(projects))
	for _, p := range projects {
		records = append(records, searchRecord(p))
	}
	s.search.ReindexAll(records)
	return nil
}

// ---- public site ----

// PublicPage resolves a published page by owner and slug. When the slug
// was renamed, the returned project carries the canonical slug and
// redirected is true so callers can issue a permanent redirect.
func (s *Service) PublicPage(ctx context.Context, owner, slugValue string) (store.Project, bool, error) {
	p, err := s.store.GetProjectBySlug(ctx, owner, slugValue)
	if err != nil {
		return store.Project{}, false, err
	}
	if p.Status != "published" {
		return store.Project{}, false, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return p, p.Slug != slugValue, nil
}

// RenderPage renders a stored project as a standalone HTML page.
func (s *Service) RenderPage(p store.Project) (string, error) {
	doc, err := block.UnmarshalContent(p.Content)
	if err != nil {
		doc = block.Document{}
	}
	return export.RenderPageHTML(export.TemplateData{
		Title:       p.Title,
		Description: p.Description,
		Owner:       p.Owner,
		UpdatedAt:   p.UpdatedAt,
		ContentHTML: template.HTML(export.BlockHTML(doc)),
	})
}

// ---- redirects ----

func (s *Service) ListRedirects(ctx context.Context, projectID string) ([]store.Redirect, error) {
	return s.store.ListRedirects(ctx, projectID)
}

func (s *Service) DeleteRedirect(ctx context.Context, projectID, redirectID string) error {
	return s.store.DeleteRedirect(ctx, projectID, redirectID)
}

// ---- preview links ----

func (s *Service) CreatePreviewLink(ctx context.Context, projectID, password string, ttl time.Duration) (store.PreviewLink, error) {
	var hash *string
	if password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return store.PreviewLink{}, fmt.Errorf("hash preview password: %w", err)
		}
		h := string(raw)
		hash = &h
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	token := util.NewID("")
	return s.store.CreatePreviewLink(ctx, projectID, token, hash, expiresAt)
}

func (s *Service) ListPreviewLinks(ctx context.Context, projectID string) ([]store.PreviewLink, error) {
	return s.store.ListPreviewLinks(ctx, projectID)
}

func (s *Service) RevokePreviewLink(ctx context.Context, projectID, linkID string) error {
	return s.store.RevokePreviewLink(ctx, projectID, linkID)
}

// Preview resolves a preview token to its project, checking the link's
// password when one is set. Unlike the public site, drafts are visible.
func (s *Service) Preview(ctx context.Context, token, password string) (store.Project, error) {
	link, err := s.store.GetPreviewLinkByToken(ctx, token)
	if err != nil {
		return store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if link.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)); err != nil {
			return store.Project{}, domainError(http.StatusUnauthorized, "PREVIEW_PASSWORD", "Password required", nil)
		}
	}
	return s.store.GetProject(ctx, link.ProjectID)
}

// ---- search / export / history / assets ----

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) ExportProject(ctx context.Context, projectID string, format export.Format) (*export.Result, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	doc, err := block.UnmarshalContent(p.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", export.ErrContentUnavailable, err)
	}
	return s.exporter.Export(export.Page{
		Title:       p.Title,
		Description: p.Description,
		Owner:       p.Owner,
		UpdatedAt:   p.UpdatedAt,
		Document:    doc,
	}, format)
}

func (s *Service) History(ctx context.Context, projectID string, limit int) ([]snapshot.CommitInfo, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.snapshots.History(projectID, limit)
}

func (s *Service) UploadAsset(ctx context.Context, kind, filename string, size int64, r io.Reader) (string, error) {
	if s.assets == nil {
		return "", domainError(http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Asset storage not configured", nil)
	}
	return s.assets.Upload(ctx, kind, filename, size, r)
}

// Close tears down every open editing session, flushing pending saves.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	entries := make(map[string]*editorEntry, len(s.editors))
	for id, entry := range s.editors {
		entries[id] = entry
	}
	s.editors = make(map[string]*editorEntry)
	s.mu.Unlock()

	for projectID, entry := range entries {
		if err := entry.session.Flush(ctx); err != nil {
			log.Printf("app: shutdown flush for project %s: %v", projectID, err)
		}
		entry.session.Close()
		entry.hub.close()
		_ = s.locks.Release(ctx, projectID, entry.holder)
	}
}
