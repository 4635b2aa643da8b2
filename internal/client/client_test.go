package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coursechat/internal/api"
	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/events"
	"github.com/ashureev/coursechat/internal/export"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/reconcile"
	"github.com/ashureev/coursechat/internal/store"
)

const testSecret = "client-secret"

type stubGenerator struct {
	err error
}

func (g stubGenerator) Generate(_ context.Context, prompt string) (*domain.CourseOutline, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, course.ErrEmptyPrompt
	}
	if g.err != nil {
		return nil, g.err
	}
	return &domain.CourseOutline{
		Title:   prompt,
		Modules: []domain.Module{{Title: "Module 1", Lessons: []string{"Intro"}, Resources: []domain.Resource{{Type: domain.ResourceArticle, Title: "Doc", Link: "https://go.dev/doc"}}}},
	}, nil
}

type testServer struct {
	url string
	hub *events.Hub
}

func newTestServer(t *testing.T, gen course.Generator) testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	v, err := identity.NewHS256Verifier(testSecret)
	if err != nil {
		t.Fatalf("NewHS256Verifier: %v", err)
	}
	auth := identity.Middleware(v)
	hub := events.NewHub(nil)

	r := chi.NewRouter()
	api.NewCourseHandler(gen, export.NewPDFRenderer(), 0, nil).RegisterRoutes(r, func(h http.Handler) http.Handler { return h })
	api.NewHistoryHandler(repo, hub, 0, nil).RegisterRoutes(r, auth)
	r.With(auth).Get("/ws/history", events.NewWebSocketHandler(hub, nil, nil).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return testServer{url: srv.URL, hub: hub}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := identity.IssueHS256(testSecret, userID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueHS256: %v", err)
	}
	return tok
}

func TestClient_HistoryRoundTrip(t *testing.T) {
	ts := newTestServer(t, stubGenerator{})
	c := New(ts.url, 5*time.Second, nil)
	ctx := context.Background()
	tok := token(t, "alice")

	history, err := c.Load(ctx, tok)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("fresh history = %+v", history)
	}

	outline := &domain.CourseOutline{Title: "Go", Modules: []domain.Module{}}
	msgs := []domain.Message{
		{Sender: domain.SenderUser, Content: domain.TextContent("Go please")},
		{Sender: domain.SenderAssistant, Content: domain.CourseContent(outline), IsCourse: true},
	}
	if err := c.Save(ctx, tok, "s1", "Go please", msgs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	history, err = c.Load(ctx, tok)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(history) != 1 || history[0].ID != "s1" || history[0].Title != "Go please" {
		t.Fatalf("history = %+v", history)
	}
	got := history[0].Messages
	if len(got) != 2 || !got[1].IsCourse || got[1].Content.Course == nil || got[1].Content.Course.Title != "Go" {
		t.Errorf("messages = %+v", got)
	}

	n, err := c.Clear(ctx, tok)
	if err != nil || n != 1 {
		t.Fatalf("Clear = %d, %v; want 1", n, err)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	ts := newTestServer(t, stubGenerator{})
	c := New(ts.url, 5*time.Second, nil)

	_, err := c.Load(context.Background(), "not-a-token")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Load error = %v, want ErrUnauthorized", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Invalid or expired token." {
		t.Errorf("error = %#v", err)
	}
}

func TestClient_GenerateAndExport(t *testing.T) {
	ts := newTestServer(t, stubGenerator{})
	c := New(ts.url, 5*time.Second, nil)
	ctx := context.Background()

	outline, err := c.Generate(ctx, "Intro to Go")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if outline.Title != "Intro to Go" || len(outline.Modules) != 1 {
		t.Fatalf("outline = %+v", outline)
	}

	doc, err := c.Export(ctx, outline)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.HasPrefix(string(doc), "%PDF-") {
		t.Errorf("document header = %q", doc[:8])
	}

	_, err = c.Export(ctx, &domain.CourseOutline{Title: "no modules"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Errorf("Export(invalid) error = %v, want 400", err)
	}
}

func TestClient_GenerateErrors(t *testing.T) {
	ts := newTestServer(t, stubGenerator{err: &course.InvalidJSONError{Raw: "Sure!", Err: errors.New("bad")}})
	c := New(ts.url, 5*time.Second, nil)

	_, err := c.Generate(context.Background(), "x")
	var invalid *course.InvalidJSONError
	if !errors.As(err, &invalid) || invalid.Raw != "Sure!" {
		t.Fatalf("error = %v, want InvalidJSONError with raw", err)
	}

	_, err = c.Generate(context.Background(), "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 || apiErr.Message != "Prompt is required." {
		t.Errorf("error = %v, want 400 Prompt is required.", err)
	}
}

func TestClient_GenerateErrorShownInline(t *testing.T) {
	ts := newTestServer(t, stubGenerator{err: &course.InvalidJSONError{Raw: "Sure!", Err: errors.New("bad")}})
	c := New(ts.url, 5*time.Second, nil)
	rec := reconcile.New(c, c, c)

	if err := rec.Send(context.Background(), "Intro to Go"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := rec.Active().Messages
	if got := msgs[len(msgs)-1].Content.Text; got != "Error: AI response was not valid JSON." {
		t.Errorf("inline error = %q", got)
	}
}

func TestClient_ConnectionError(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second, nil)
	_, err := c.Load(context.Background(), "tok")
	if err == nil || !strings.Contains(err.Error(), "connection error") {
		t.Errorf("error = %v, want connection error", err)
	}
}

func TestClient_Watch(t *testing.T) {
	ts := newTestServer(t, stubGenerator{})
	c := New(ts.url, 5*time.Second, nil)
	tok := token(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, tok, func(ev events.Event) { got <- ev }) }()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Count("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Save(ctx, tok, "s9", "t", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Type != events.TypeHistoryUpdated || ev.SessionID != "s9" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v after cancel", err)
	}
}
