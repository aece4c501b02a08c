package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"atelier/api/internal/store"
)

func newTestServer(t *testing.T, st dataStore) (*httptest.Server, *Service) {
	t.Helper()
	svc, _, _, _ := newTestService(st)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(func() {
		svc.Close(context.Background())
		ts.Close()
	})
	return ts, svc
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	ts, _ := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "NOT_FOUND" {
		t.Errorf("unexpected error code %q", body.Code)
	}
}

func TestEditorLifecycleOverHTTP(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return testProject(), nil
		},
		saveProjectFn: func(_ context.Context, req store.SaveProjectRequest) (store.Project, error) {
			p := testProject()
			p.Title = req.Title
			p.Status = req.Status
			return p, nil
		},
	}
	ts, _ := newTestServer(t, st)

	resp, err := http.Post(ts.URL+"/api/projects/proj_1/editor", "application/json",
		strings.NewReader(`{"clientId":"client-a"}`))
	if err != nil {
		t.Fatal(err)
	}
	var state EditorState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open editor: expected 200, got %d", resp.StatusCode)
	}
	if state.ClientID != "client-a" {
		t.Fatalf("unexpected client id %q", state.ClientID)
	}

	opReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/projects/proj_1/editor/ops",
		strings.NewReader(`{"type":"addBlock","kind":"divider"}`))
	opReq.Header.Set("X-Atelier-Client", "client-a")
	resp, err = http.DefaultClient.Do(opReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply op: expected 200, got %d", resp.StatusCode)
	}

	// A second client cannot mutate the session.
	opReq, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/projects/proj_1/editor/ops",
		strings.NewReader(`{"type":"addBlock","kind":"divider"}`))
	opReq.Header.Set("X-Atelier-Client", "client-b")
	resp, err = http.DefaultClient.Do(opReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("foreign op: expected 409, got %d", resp.StatusCode)
	}

	closeReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/projects/proj_1/editor", nil)
	closeReq.Header.Set("X-Atelier-Client", "client-a")
	resp, err = http.DefaultClient.Do(closeReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close editor: expected 200, got %d", resp.StatusCode)
	}
}

func TestPublicPageRedirectsRenamedSlug(t *testing.T) {
	st := &fakeStore{
		getProjectBySlugFn: func(_ context.Context, owner, slugValue string) (store.Project, error) {
			p := testProject()
			p.Status = "published"
			return p, nil
		},
	}
	ts, _ := newTestServer(t, st)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/p/ada/old-slug")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/p/ada/my-portfolio" {
		t.Errorf("unexpected redirect target %q", loc)
	}
}

func TestPublicPageServesHTML(t *testing.T) {
	st := &fakeStore{
		getProjectBySlugFn: func(context.Context, string, string) (store.Project, error) {
			p := testProject()
			p.Status = "published"
			return p, nil
		},
	}
	ts, _ := newTestServer(t, st)

	resp, err := http.Get(ts.URL + "/p/ada/my-portfolio")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("unexpected content type %q", ct)
	}
}
