// Package editor hosts the in-memory editing session for one project: the
// block document, the slug tracker, and the debounced autosave controller
// that persists edits race-safely through the persistence gateway.
package editor

import (
	"context"
	"log"
	"sync"
	"time"
)

// SavePayload is what a save attempt sends through the gateway. Content is
// the wire-encoded block list with client identifiers already stripped.
type SavePayload struct {
	Title       string
	Slug        string
	Description string
	Status      string
	Content     []byte
}

// SaveResult carries the authoritative state the server settled on. Slug may
// differ from the payload's when the server resolved a collision.
type SaveResult struct {
	Slug      string
	Status    string
	UpdatedAt time.Time
}

// Gateway is the only I/O boundary of the editor. Completions may arrive in
// any order; the controller's version check is what keeps that safe.
type Gateway interface {
	SaveProject(ctx context.Context, projectID string, payload SavePayload) (SaveResult, error)
}

// SaveState is the externally visible autosave status, delivered to
// listeners on every transition.
type SaveState struct {
	IsSaving    bool
	Dirty       bool
	LastSavedAt time.Time
	LastError   string
}

type ctrlState int

const (
	stateIdle ctrlState = iota
	stateDirty
	stateSaving
)

// SaveSession is the per-editing-session version bookkeeping. The counter is
// a single-writer monotonic sequence: incremented exactly once per save
// attempt, and compared on every completion to discard superseded results.
type SaveSession struct {
	version uint64
}

// Next starts a new save attempt and returns its version.
func (s *SaveSession) Next() uint64 {
	s.version++
	return s.version
}

// IsCurrent reports whether a completion for version v is still the latest
// attempt. A false result means a newer save was issued after v, and v's
// response must be ignored entirely.
func (s *SaveSession) IsCurrent(v uint64) bool {
	return v == s.version
}

// Controller persists the document after it stabilizes.
//
// State machine: Idle -> Dirty -> Saving -> (Idle | Dirty). Mutations mark
// the session dirty and reset the debounce timer; the timer firing starts a
// save attempt tagged with a fresh version; a completion only takes effect
// if its version is still current. A failed save drops back to Dirty and
// waits for the next natural dirty cycle rather than retrying on its own.
type Controller struct {
	mu        sync.Mutex
	gateway   Gateway
	projectID string
	debounce  time.Duration
	loadedAt  time.Time
	grace     time.Duration

	state            ctrlState
	session          SaveSession
	dirtyWhileSaving bool
	timer            *time.Timer
	lastSavedAt      time.Time
	lastErr          error
	closed           bool

	snapshot  func() SavePayload
	onResult  func(SaveResult)
	listeners []func(SaveState)
}

func newController(projectID string, gw Gateway, debounce, grace time.Duration, snapshot func() SavePayload, onResult func(SaveResult)) *Controller {
	return &Controller{
		gateway:   gw,
		projectID: projectID,
		debounce:  debounce,
		grace:     grace,
		loadedAt:  time.Now(),
		snapshot:  snapshot,
		onResult:  onResult,
	}
}

// OnStateChange registers a listener for autosave state transitions.
func (c *Controller) OnStateChange(fn func(SaveState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current save state.
func (c *Controller) State() SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// MarkDirty records a mutation. During the grace window after load the
// session still becomes dirty, but the debounce timer is deferred past the
// window's end, so opening a project never fires an autosave on its own
// while an early edit is kept: it saves after the deferral, or immediately
// through an explicit Flush.
func (c *Controller) MarkDirty() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case stateSaving:
		// Let the in-flight save finish; re-enter Dirty right after.
		c.dirtyWhileSaving = true
		c.mu.Unlock()
		return
	case stateIdle, stateDirty:
		c.state = stateDirty
		delay := c.debounce
		if remaining := c.grace - time.Since(c.loadedAt); remaining > 0 {
			delay = remaining + c.debounce
		}
		c.resetTimerLocked(delay)
	}
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(st)
}

// Flush forces a save of any unsaved changes and waits for it. It is the
// manual-save path and also the retry path after a failure.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || (c.state == stateIdle && !c.dirtyWhileSaving) {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	v, payload := c.beginAttemptLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(st)

	result, err := c.gateway.SaveProject(ctx, c.projectID, payload)
	c.complete(v, result, err)
	return err
}

func (c *Controller) fire() {
	c.mu.Lock()
	if c.closed || c.state != stateDirty {
		c.mu.Unlock()
		return
	}
	v, payload := c.beginAttemptLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(st)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := c.gateway.SaveProject(ctx, c.projectID, payload)
		c.complete(v, result, err)
	}()
}

// beginAttemptLocked moves to Saving and stamps the attempt with the next
// version. Starting a new attempt while one is in flight is allowed: the
// older one becomes stale the moment the counter advances.
func (c *Controller) beginAttemptLocked() (uint64, SavePayload) {
	v := c.session.Next()
	c.state = stateSaving
	c.dirtyWhileSaving = false
	return v, c.snapshot()
}

func (c *Controller) complete(v uint64, result SaveResult, err error) {
	c.mu.Lock()
	if c.closed || !c.session.IsCurrent(v) {
		// A newer save superseded this one. Its response must not touch
		// anything: no state change, no saving-indicator clearing.
		c.mu.Unlock()
		return
	}
	var reschedule bool
	if err != nil {
		// Stay dirty so the next dirty-debounce cycle (or an explicit
		// Flush) retries. No automatic backoff: user work is preserved
		// either way and editing is never blocked.
		c.state = stateDirty
		c.lastErr = err
	} else {
		c.lastErr = nil
		c.lastSavedAt = time.Now()
		if c.dirtyWhileSaving {
			c.dirtyWhileSaving = false
			c.state = stateDirty
			reschedule = true
		} else {
			c.state = stateIdle
		}
	}
	if reschedule {
		c.resetTimerLocked(c.debounce)
	}
	st := c.stateLocked()
	c.mu.Unlock()

	if err != nil {
		log.Printf("editor: save project %s failed: %v", c.projectID, err)
	} else if c.onResult != nil {
		// Document fields reconcile before any slug/navigation side effect,
		// so a render never sees a new URL with stale content.
		c.onResult(result)
	}
	c.notify(st)
}

func (c *Controller) resetTimerLocked(delay time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.fire)
}

func (c *Controller) stateLocked() SaveState {
	st := SaveState{
		IsSaving:    c.state == stateSaving,
		Dirty:       c.state == stateDirty || c.dirtyWhileSaving,
		LastSavedAt: c.lastSavedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Controller) notify(st SaveState) {
	c.mu.Lock()
	listeners := make([]func(SaveState), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// Close stops the timer and drops any in-flight completion on the floor.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
