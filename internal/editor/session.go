package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atelier/api/internal/block"
	"atelier/api/internal/slug"
)

// Project is the loaded state a session starts from.
type Project struct {
	ID          string
	Owner       string
	Title       string
	Slug        string
	Description string
	Status      string
	Content     []byte
	UpdatedAt   time.Time
}

// Options tune the autosave behavior. Zero values pick the defaults.
type Options struct {
	Debounce time.Duration
	Grace    time.Duration
}

const (
	defaultDebounce = 1500 * time.Millisecond
	defaultGrace    = time.Second
)

// Session is the single active editing session for one project. It owns the
// document exclusively: all mutation goes through its methods, in the order
// the user performed them.
type Session struct {
	mu          sync.Mutex
	projectID   string
	owner       string
	title       string
	description string
	status      string
	doc         block.Document
	tracker     *slug.Tracker
	updatedAt   time.Time

	ctrl *Controller

	docListeners []func(block.Document)
	navListeners []func(slugValue string)
}

// NewSession decodes the project content (defensively: a malformed document
// never blocks editing) and wires up the autosave controller.
func NewSession(p Project, gw Gateway, opts Options) *Session {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	doc, err := block.UnmarshalContent(p.Content)
	if err != nil {
		doc = block.Document{Blocks: []block.Block{}}
	}
	s := &Session{
		projectID:   p.ID,
		owner:       p.Owner,
		title:       p.Title,
		description: p.Description,
		status:      p.Status,
		doc:         doc,
		tracker:     slug.NewTracker(p.Title, p.Slug),
		updatedAt:   p.UpdatedAt,
	}
	s.ctrl = newController(p.ID, gw, opts.Debounce, opts.Grace, s.snapshotPayload, s.applySaveResult)
	return s
}

func (s *Session) ProjectID() string { return s.projectID }
func (s *Session) Owner() string     { return s.owner }

// Controller exposes the autosave controller, mainly for save-state
// listeners and manual flushes.
func (s *Session) Controller() *Controller { return s.ctrl }

// OnDocumentChange registers a listener fired on every structural mutation.
func (s *Session) OnDocumentChange(fn func(block.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docListeners = append(s.docListeners, fn)
}

// OnSaveStateChange registers a listener for autosave transitions.
func (s *Session) OnSaveStateChange(fn func(SaveState)) {
	s.ctrl.OnStateChange(fn)
}

// OnNavigate registers a listener fired when a save settled on a different
// slug and the session's location must move to the new path.
func (s *Session) OnNavigate(fn func(slugValue string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navListeners = append(s.navListeners, fn)
}

// Document returns a deep copy of the current document.
func (s *Session) Document() block.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return block.Clone(s.doc)
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) Slug() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Value()
}

func (s *Session) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetTitle updates the title and, while the slug is in auto mode, recomputes
// the slug from it.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.tracker.TitleChanged(title)
	s.mu.Unlock()
	s.changed()
}

// SetSlug records a direct user edit of the slug, freezing it for the
// session.
func (s *Session) SetSlug(value string) {
	s.mu.Lock()
	s.tracker.SetManual(slug.Make(value))
	s.mu.Unlock()
	s.changed()
}

// ResetSlug returns the slug to auto mode, re-deriving it from the title.
func (s *Session) ResetSlug() string {
	s.mu.Lock()
	v := s.tracker.ResetAuto(s.title)
	s.mu.Unlock()
	s.changed()
	return v
}

func (s *Session) SetDescription(desc string) {
	s.mu.Lock()
	s.description = desc
	s.mu.Unlock()
	s.changed()
}

// AddBlock creates a block of the given kind and inserts it immediately
// after afterID, or appends it when afterID is empty.
func (s *Session) AddBlock(kind block.Kind, afterID string) (block.Block, error) {
	b, err := block.New(kind)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.doc = block.InsertAfter(s.doc, b, afterID)
	s.mu.Unlock()
	s.changed()
	return b, nil
}

// AddBlockToSlot creates a block inside a column slot. Columns cannot nest.
func (s *Session) AddBlockToSlot(slotID string, kind block.Kind, afterID string) (block.Block, error) {
	if kind == block.KindColumns {
		return nil, fmt.Errorf("columns block cannot be placed inside a column slot")
	}
	b, err := block.New(kind)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	inserted := false
	for i, top := range s.doc.Blocks {
		cols, ok := top.(block.Columns)
		if !ok {
			continue
		}
		for si := range cols.Slots {
			if cols.Slots[si].ID != slotID {
				continue
			}
			next := block.Clone(s.doc)
			nextCols := next.Blocks[i].(block.Columns)
			nextCols.Slots[si].Blocks = insertAfterInSlot(nextCols.Slots[si].Blocks, b, afterID)
			next.Blocks[i] = nextCols
			s.doc = next
			inserted = true
			break
		}
		if inserted {
			break
		}
	}
	s.mu.Unlock()
	if !inserted {
		return nil, fmt.Errorf("slot %s not found", slotID)
	}
	s.changed()
	return b, nil
}

func insertAfterInSlot(list []block.Block, b block.Block, afterID string) []block.Block {
	if afterID != "" {
		for i, existing := range list {
			if existing.BlockID() == afterID {
				return append(list[:i+1], append([]block.Block{b}, list[i+1:]...)...)
			}
		}
	}
	return append(list, b)
}

// UpdateBlock replaces the fields of an existing block from a wire-encoded
// payload, keeping its identity and position. Columns structure is managed
// through SetColumnCount/SetContainerWidth instead, so slot identities are
// never clobbered by a field update.
func (s *Session) UpdateBlock(id string, raw []byte) error {
	s.mu.Lock()
	existing, found := block.Find(s.doc, id)
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("block %s not found", id)
	}
	if existing.Kind() == block.KindColumns {
		s.mu.Unlock()
		return fmt.Errorf("columns blocks are updated via column operations")
	}
	_, topLevel := s.topLevelIndexLocked(id)
	nb, err := block.UnmarshalBlock(raw, topLevel)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next, err := block.Replace(s.doc, id, nb)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = next
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) topLevelIndexLocked(id string) (int, bool) {
	for i, b := range s.doc.Blocks {
		if b.BlockID() == id {
			return i, true
		}
	}
	return -1, false
}

// RemoveBlock deletes a block wherever it lives. Unknown ids are a no-op.
func (s *Session) RemoveBlock(id string) {
	s.mu.Lock()
	s.doc = block.Remove(s.doc, id)
	s.mu.Unlock()
	s.changed()
}

// SetColumnCount changes a columns block's count, growing with fresh slots
// or folding removed slots' blocks into the last remaining one.
func (s *Session) SetColumnCount(id string, count int) error {
	s.mu.Lock()
	idx, ok := s.topLevelIndexLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("block %s not found", id)
	}
	cols, isCols := s.doc.Blocks[idx].(block.Columns)
	if !isCols {
		s.mu.Unlock()
		return fmt.Errorf("block %s is not a columns block", id)
	}
	next, err := block.ChangeColumnCount(cols, count)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	doc := block.Clone(s.doc)
	doc.Blocks[idx] = next
	s.doc = doc
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) SetContainerWidth(id string, w block.Width) error {
	if w != block.WidthFull && w != block.WidthBoxed {
		return fmt.Errorf("invalid container width %q", w)
	}
	s.mu.Lock()
	idx, ok := s.topLevelIndexLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("block %s not found", id)
	}
	cols, isCols := s.doc.Blocks[idx].(block.Columns)
	if !isCols {
		s.mu.Unlock()
		return fmt.Errorf("block %s is not a columns block", id)
	}
	cols = block.Columns{ID: cols.ID, Count: cols.Count, Width: w, Slots: cols.Slots}
	doc := block.Clone(s.doc)
	doc.Blocks[idx] = cols
	s.doc = doc
	s.mu.Unlock()
	s.changed()
	return nil
}

// Reorder is the single entry point for drop gestures. Unresolvable
// gestures leave the document untouched and do not mark the session dirty.
func (s *Session) Reorder(src, dst block.Ref) {
	s.mu.Lock()
	before := s.doc
	s.doc = block.Move(s.doc, src, dst)
	moved := !samePlacement(before, s.doc)
	s.mu.Unlock()
	if moved {
		s.changed()
	}
}

// samePlacement compares two documents by block order AND slot membership.
// A flat ID comparison would miss a cross-slot move that happens to keep
// the flattened sequence intact (last block of one slot dropped at the
// head of the next), so each slot boundary is part of the signature.
func samePlacement(a, b block.Document) bool {
	ai, bi := placement(a), placement(b)
	if len(ai) != len(bi) {
		return false
	}
	for i := range ai {
		if ai[i] != bi[i] {
			return false
		}
	}
	return true
}

func placement(doc block.Document) []string {
	var out []string
	for _, b := range doc.Blocks {
		out = append(out, b.BlockID())
		if cols, ok := b.(block.Columns); ok {
			for _, slot := range cols.Slots {
				out = append(out, "slot:"+slot.ID)
				for _, inner := range slot.Blocks {
					out = append(out, inner.BlockID())
				}
			}
		}
	}
	return out
}

// Publish marks the project published and saves immediately.
func (s *Session) Publish(ctx context.Context) error {
	s.mu.Lock()
	s.status = "published"
	s.mu.Unlock()
	s.changed()
	return s.ctrl.Flush(ctx)
}

// Unpublish returns the project to draft and saves immediately.
func (s *Session) Unpublish(ctx context.Context) error {
	s.mu.Lock()
	s.status = "draft"
	s.mu.Unlock()
	s.changed()
	return s.ctrl.Flush(ctx)
}

// Flush forces a save of pending changes (the manual-save action).
func (s *Session) Flush(ctx context.Context) error {
	return s.ctrl.Flush(ctx)
}

// Close shuts down autosave. Pending completions are discarded.
func (s *Session) Close() {
	s.ctrl.Close()
}

// changed runs after every mutation: document listeners first, then the
// dirty mark. Called without s.mu held.
func (s *Session) changed() {
	s.mu.Lock()
	doc := block.Clone(s.doc)
	listeners := make([]func(block.Document), len(s.docListeners))
	copy(listeners, s.docListeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(doc)
	}
	s.ctrl.MarkDirty()
}

// snapshotPayload captures the save payload for one attempt.
func (s *Session) snapshotPayload() SavePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, err := block.MarshalContent(s.doc)
	if err != nil {
		content = []byte(`{"blocks":[]}`)
	}
	return SavePayload{
		Title:       s.title,
		Slug:        s.tracker.Value(),
		Description: s.description,
		Status:      s.status,
		Content:     content,
	}
}

// applySaveResult reconciles a (still current) save response. Document
// fields first, slug last: the navigation listeners only fire once local
// state already matches the server.
func (s *Session) applySaveResult(res SaveResult) {
	s.mu.Lock()
	if !res.UpdatedAt.IsZero() {
		s.updatedAt = res.UpdatedAt
	}
	if res.Status != "" {
		s.status = res.Status
	}
	navigate := s.tracker.Reconcile(res.Slug)
	value := s.tracker.Value()
	listeners := make([]func(string), len(s.navListeners))
	copy(listeners, s.navListeners)
	s.mu.Unlock()
	if navigate {
		for _, fn := range listeners {
			fn(value)
		}
	}
}
