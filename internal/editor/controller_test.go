package editor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"atelier/api/internal/block"
)

type saveResp struct {
	result SaveResult
	err    error
}

type saveCall struct {
	payload SavePayload
	done    chan saveResp
}

// gateGateway parks every save until the test releases it, so completion
// order can be controlled independently of issue order.
type gateGateway struct {
	started chan *saveCall
}

func newGateGateway() *gateGateway {
	return &gateGateway{started: make(chan *saveCall, 8)}
}

func (g *gateGateway) SaveProject(_ context.Context, _ string, payload SavePayload) (SaveResult, error) {
	call := &saveCall{payload: payload, done: make(chan saveResp)}
	g.started <- call
	resp := <-call.done
	return resp.result, resp.err
}

func (g *gateGateway) waitCall(t *testing.T) *saveCall {
	t.Helper()
	select {
	case call := <-g.started:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a save call")
		return nil
	}
}

func (g *gateGateway) expectNoCall(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-g.started:
		t.Fatal("unexpected save call")
	case <-time.After(within):
	}
}

// countGateway answers immediately with scripted responses.
type countGateway struct {
	mu       sync.Mutex
	payloads []SavePayload
	respond  func(n int, payload SavePayload) (SaveResult, error)
}

func (g *countGateway) SaveProject(_ context.Context, _ string, payload SavePayload) (SaveResult, error) {
	g.mu.Lock()
	g.payloads = append(g.payloads, payload)
	n := len(g.payloads)
	fn := g.respond
	g.mu.Unlock()
	if fn == nil {
		return SaveResult{Slug: payload.Slug, UpdatedAt: time.Now()}, nil
	}
	return fn(n, payload)
}

func (g *countGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payloads)
}

func testSession(gw Gateway, opts Options) *Session {
	return NewSession(Project{
		ID:     "proj_1",
		Owner:  "ada",
		Title:  "A",
		Slug:   "a",
		Status: "draft",
	}, gw, opts)
}

func TestNoAutosaveWithoutEdits(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 20 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	time.Sleep(150 * time.Millisecond)
	if n := gw.count(); n != 0 {
		t.Fatalf("loading a project must not save; got %d calls", n)
	}
}

func TestGraceWindowDefersAutosave(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 10 * time.Millisecond, Grace: 200 * time.Millisecond})
	defer s.Close()

	// A mutation right after load must not fire a save inside the window,
	// but the edit is kept and saves once the window has passed.
	s.SetTitle("B")
	time.Sleep(100 * time.Millisecond)
	if n := gw.count(); n != 0 {
		t.Fatalf("mutation inside grace window saved early; got %d calls", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for gw.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := gw.count(); n != 1 {
		t.Fatalf("deferred save never fired; got %d calls", n)
	}
	gw.mu.Lock()
	payload := gw.payloads[0]
	gw.mu.Unlock()
	if payload.Title != "B" {
		t.Errorf("deferred save carried title %q", payload.Title)
	}
}

func TestFlushInsideGraceWindowSavesEdit(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 10 * time.Millisecond, Grace: 10 * time.Second})
	defer s.Close()

	// Closing the editor (or publishing) right after an early edit must
	// persist it; the grace window only defers the automatic save.
	s.SetTitle("B")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := gw.count(); n != 1 {
		t.Fatalf("flush after in-grace edit performed %d saves, want 1", n)
	}
	gw.mu.Lock()
	payload := gw.payloads[0]
	gw.mu.Unlock()
	if payload.Title != "B" {
		t.Errorf("flush saved title %q, want B", payload.Title)
	}
}

func TestDebounceCoalescesMutations(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 60 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	s.SetTitle("B")
	time.Sleep(20 * time.Millisecond)
	s.SetTitle("Bb")
	time.Sleep(20 * time.Millisecond)
	s.SetTitle("Bbb")

	deadline := time.Now().Add(2 * time.Second)
	for gw.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let any stray second timer fire.
	time.Sleep(150 * time.Millisecond)
	if n := gw.count(); n != 1 {
		t.Fatalf("expected a single coalesced save, got %d", n)
	}
	gw.mu.Lock()
	payload := gw.payloads[0]
	gw.mu.Unlock()
	if payload.Title != "Bbb" {
		t.Errorf("saved stale title %q", payload.Title)
	}
}

func TestStaleSaveResultIsDiscarded(t *testing.T) {
	gw := newGateGateway()
	s := testSession(gw, Options{Debounce: 15 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	var navMu sync.Mutex
	var navs []string
	s.OnNavigate(func(v string) {
		navMu.Lock()
		navs = append(navs, v)
		navMu.Unlock()
	})

	s.SetTitle("B")
	callV1 := gw.waitCall(t) // version 1 in flight

	// Edit while saving, then force a second overlapping save.
	s.SetTitle("C")
	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush(context.Background()) }()
	callV2 := gw.waitCall(t) // version 2 in flight; version 1 now stale

	if callV2.payload.Title != "C" {
		t.Fatalf("second save carried title %q", callV2.payload.Title)
	}

	// Version 1 resolves late, with a server-adjusted slug. It must be
	// ignored entirely.
	callV1.done <- saveResp{result: SaveResult{Slug: "b-server", UpdatedAt: time.Now()}}
	time.Sleep(50 * time.Millisecond)

	if got := s.Slug(); got != "c" {
		t.Fatalf("stale response mutated slug to %q", got)
	}
	if st := s.Controller().State(); !st.IsSaving {
		t.Fatal("stale response cleared the saving indicator for the newer save")
	}
	navMu.Lock()
	if len(navs) != 0 {
		t.Fatalf("stale response fired navigation: %v", navs)
	}
	navMu.Unlock()

	// Version 2 resolves with its own adjustment and wins.
	callV2.done <- saveResp{result: SaveResult{Slug: "c-2", UpdatedAt: time.Now()}}
	if err := <-flushDone; err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if got := s.Title(); got != "C" {
		t.Fatalf("final title %q, want C", got)
	}
	if got := s.Slug(); got != "c-2" {
		t.Fatalf("final slug %q, want c-2", got)
	}
	navMu.Lock()
	defer navMu.Unlock()
	if len(navs) != 1 || navs[0] != "c-2" {
		t.Fatalf("expected one navigation to c-2, got %v", navs)
	}
}

func TestMutationDuringSaveSchedulesFollowUp(t *testing.T) {
	gw := newGateGateway()
	s := testSession(gw, Options{Debounce: 15 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	s.SetTitle("B")
	call1 := gw.waitCall(t)

	s.SetTitle("C")
	call1.done <- saveResp{result: SaveResult{Slug: "b", UpdatedAt: time.Now()}}

	call2 := gw.waitCall(t)
	if call2.payload.Title != "C" {
		t.Fatalf("follow-up save carried title %q", call2.payload.Title)
	}
	call2.done <- saveResp{result: SaveResult{Slug: "c", UpdatedAt: time.Now()}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Controller().State()
		if !st.IsSaving && !st.Dirty {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller never settled back to idle")
}

func TestFailedSaveStaysDirtyAndRetriesOnNextEdit(t *testing.T) {
	boom := errors.New("gateway down")
	gw := &countGateway{
		respond: func(n int, payload SavePayload) (SaveResult, error) {
			if n == 1 {
				return SaveResult{}, boom
			}
			return SaveResult{Slug: payload.Slug, UpdatedAt: time.Now()}, nil
		},
	}
	s := testSession(gw, Options{Debounce: 15 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	s.SetTitle("B")
	deadline := time.Now().Add(2 * time.Second)
	for gw.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	st := s.Controller().State()
	if !st.Dirty {
		t.Fatal("failed save must leave the session dirty")
	}
	if st.LastError == "" {
		t.Fatal("failed save must surface an error")
	}
	if !st.LastSavedAt.IsZero() {
		t.Fatal("failed save must not record a save time")
	}

	// No automatic retry: the count stays at one until the user acts.
	time.Sleep(100 * time.Millisecond)
	if n := gw.count(); n != 1 {
		t.Fatalf("unexpected automatic retry; %d calls", n)
	}

	s.SetTitle("C")
	deadline = time.Now().Add(2 * time.Second)
	for gw.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := gw.count(); n != 2 {
		t.Fatalf("edit after failure did not retry; %d calls", n)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st = s.Controller().State()
		if !st.IsSaving && !st.Dirty && st.LastError == "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("controller did not recover after successful retry: %+v", st)
}

func TestFlushWithNoChangesIsNoop(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: time.Hour, Grace: time.Nanosecond})
	defer s.Close()

	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := gw.count(); n != 0 {
		t.Fatalf("clean flush saved anyway: %d calls", n)
	}
}

func TestSaveStateListenerSeesTransitions(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 15 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	var mu sync.Mutex
	var states []SaveState
	s.OnSaveStateChange(func(st SaveState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	s.SetTitle("B")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Controller().State()
		if !st.IsSaving && !st.Dirty && !st.LastSavedAt.IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawDirty, sawSaving, sawSaved bool
	for _, st := range states {
		if st.Dirty && !st.IsSaving {
			sawDirty = true
		}
		if st.IsSaving {
			sawSaving = true
		}
		if !st.IsSaving && !st.Dirty && !st.LastSavedAt.IsZero() {
			sawSaved = true
		}
	}
	if !sawDirty || !sawSaving || !sawSaved {
		t.Fatalf("missing transitions: dirty=%v saving=%v saved=%v", sawDirty, sawSaving, sawSaved)
	}
}

func TestSavePayloadStripsBlockIDs(t *testing.T) {
	gw := &countGateway{}
	s := testSession(gw, Options{Debounce: 15 * time.Millisecond, Grace: time.Nanosecond})
	defer s.Close()

	b, err := s.AddBlock(block.KindText, "")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for gw.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gw.count() == 0 {
		t.Fatal("no save issued")
	}
	gw.mu.Lock()
	content := string(gw.payloads[0].Content)
	gw.mu.Unlock()
	if content == "" {
		t.Fatal("payload missing content")
	}
	if strings.Contains(content, b.BlockID()) {
		t.Errorf("payload leaks block id %s", b.BlockID())
	}
}
