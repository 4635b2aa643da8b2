package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// fakeClock hands out strictly increasing timestamps one second apart.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type repoFactory func(t *testing.T, now func() time.Time) Repository

func backends(t *testing.T) map[string]repoFactory {
	t.Helper()
	factories := map[string]repoFactory{
		"sqlite": func(t *testing.T, now func() time.Time) Repository {
			repo, err := NewSQLite(filepath.Join(t.TempDir(), "history.db"), WithClock(now))
			if err != nil {
				t.Fatalf("NewSQLite failed: %v", err)
			}
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
		"bolt": func(t *testing.T, now func() time.Time) Repository {
			repo, err := NewBolt(filepath.Join(t.TempDir(), "history.bolt"), WithClock(now))
			if err != nil {
				t.Fatalf("NewBolt failed: %v", err)
			}
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		factories["mongo"] = func(t *testing.T, now func() time.Time) Repository {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			db := "coursechat_test_" + domain.NewSessionID()[:8]
			repo, err := NewMongo(ctx, uri, db, WithClock(now))
			if err != nil {
				t.Fatalf("NewMongo failed: %v", err)
			}
			t.Cleanup(func() {
				_ = repo.client.Database(db).Drop(context.Background())
				_ = repo.Close()
			})
			return repo
		}
	}
	return factories
}

func userMsg(s string) domain.Message {
	return domain.Message{Sender: domain.SenderUser, Content: domain.TextContent(s)}
}

func aiMsg(s string) domain.Message {
	return domain.Message{Sender: domain.SenderAssistant, Content: domain.TextContent(s)}
}

func TestRepositoryContract(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("UpsertIsLastWriteWins", func(t *testing.T) { testUpsertLastWriteWins(t, factory) })
			t.Run("ListOrdersByLastUpdated", func(t *testing.T) { testListOrder(t, factory) })
			t.Run("ClearAllScopedToUser", func(t *testing.T) { testClearAll(t, factory) })
			t.Run("CourseContentRoundTrips", func(t *testing.T) { testCourseContent(t, factory) })
			t.Run("Ping", func(t *testing.T) {
				repo := factory(t, time.Now)
				if err := repo.Ping(context.Background()); err != nil {
					t.Fatalf("Ping failed: %v", err)
				}
			})
		})
	}
}

func testUpsertLastWriteWins(t *testing.T, factory repoFactory) {
	clock := newFakeClock()
	repo := factory(t, clock.Now)
	ctx := context.Background()

	first := []domain.Message{userMsg("Intro to Go"), aiMsg("outline v1")}
	if err := repo.UpsertSession(ctx, "user-1", "sess-1", "Intro to Go", first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	firstList, err := repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	firstStamp := firstList[0].Timestamp

	second := []domain.Message{userMsg("Intro to Rust"), aiMsg("outline v2"), userMsg("more")}
	if err := repo.UpsertSession(ctx, "user-1", "sess-1", "Intro to Rust", second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	list, err := repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
	got := list[0]
	if got.ID != "sess-1" || got.Title != "Intro to Rust" {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if len(got.Messages) != 3 || got.Messages[0].Content.Text != "Intro to Rust" {
		t.Fatalf("expected second write's messages, got %+v", got.Messages)
	}
	if !got.Timestamp.After(firstStamp) {
		t.Fatalf("expected lastUpdated to advance: first=%v second=%v", firstStamp, got.Timestamp)
	}
	assertCreatedAt(t, repo, "user-1", "sess-1", firstStamp)
}

// assertCreatedAt checks the stored creation time where the backend exposes it.
func assertCreatedAt(t *testing.T, repo Repository, userID, sessionID string, want time.Time) {
	t.Helper()
	var got time.Time
	switch r := repo.(type) {
	case *SQLiteStore:
		var ms int64
		row := r.db.QueryRow(`SELECT created_at FROM chat_history WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		if err := row.Scan(&ms); err != nil {
			t.Fatalf("read created_at: %v", err)
		}
		got = time.UnixMilli(ms).UTC()
	case *BoltStore:
		sessions, err := r.records(userID)
		if err != nil {
			t.Fatalf("read records: %v", err)
		}
		got = sessions[sessionID].CreatedAt
	default:
		return
	}
	if !got.Equal(want) {
		t.Fatalf("createdAt changed: got %v, want %v", got, want)
	}
}

func testListOrder(t *testing.T, factory repoFactory) {
	clock := newFakeClock()
	repo := factory(t, clock.Now)
	ctx := context.Background()

	// Two tabs of the same user write different sessions, then the first tab writes again.
	mustUpsert(t, repo, "user-1", "tab-a", []domain.Message{userMsg("a")})
	mustUpsert(t, repo, "user-1", "tab-b", []domain.Message{userMsg("b")})
	mustUpsert(t, repo, "user-2", "other", []domain.Message{userMsg("x")})

	list, err := repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if ids := summaryIDs(list); len(ids) != 2 || ids[0] != "tab-b" || ids[1] != "tab-a" {
		t.Fatalf("unexpected order %v", ids)
	}

	mustUpsert(t, repo, "user-1", "tab-a", []domain.Message{userMsg("a"), aiMsg("reply")})
	list, err = repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if ids := summaryIDs(list); ids[0] != "tab-a" || ids[1] != "tab-b" {
		t.Fatalf("expected tab-a first after its update, got %v", ids)
	}
	if !list[0].Timestamp.After(list[1].Timestamp) {
		t.Fatalf("timestamps not descending: %v then %v", list[0].Timestamp, list[1].Timestamp)
	}
}

func testClearAll(t *testing.T, factory repoFactory) {
	repo := factory(t, newFakeClock().Now)
	ctx := context.Background()

	n, err := repo.ClearAll(ctx, "nobody")
	if err != nil {
		t.Fatalf("ClearAll on empty user failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 removed, got %d", n)
	}

	mustUpsert(t, repo, "user-1", "s1", []domain.Message{userMsg("a")})
	mustUpsert(t, repo, "user-1", "s2", []domain.Message{userMsg("b")})
	mustUpsert(t, repo, "user-2", "s3", []domain.Message{userMsg("c")})

	n, err = repo.ClearAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	list, err := repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(list))
	}
	other, err := repo.ListSessions(ctx, "user-2")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("clear must not touch other users, got %d sessions", len(other))
	}
}

func testCourseContent(t *testing.T, factory repoFactory) {
	repo := factory(t, newFakeClock().Now)
	course := &domain.CourseOutline{
		Title: "Go for Beginners",
		Modules: []domain.Module{{
			Title:   "Module 1: Basics",
			Lessons: []string{"Syntax", "Types"},
			Resources: []domain.Resource{
				{Type: domain.ResourceVideo, Title: "Tour", Link: "https://go.dev/tour"},
			},
		}},
	}
	mustUpsert(t, repo, "user-1", "s1", []domain.Message{
		userMsg("Intro to Go"),
		{Sender: domain.SenderAssistant, Content: domain.CourseContent(course), IsCourse: true},
	})

	list, err := repo.ListSessions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	msg := list[0].Messages[1]
	if !msg.IsCourse || msg.Content.Course == nil {
		t.Fatalf("expected course message, got %+v", msg)
	}
	if got := msg.Content.Course.Modules[0].Resources[0].Link; got != "https://go.dev/tour" {
		t.Fatalf("unexpected link %q", got)
	}
}

func mustUpsert(t *testing.T, repo Repository, userID, sessionID string, msgs []domain.Message) {
	t.Helper()
	if err := repo.UpsertSession(context.Background(), userID, sessionID, domain.DeriveTitle(msgs), msgs); err != nil {
		t.Fatalf("UpsertSession(%s) failed: %v", sessionID, err)
	}
}

func summaryIDs(list []domain.SessionSummary) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

func TestClosedStoreReportsErrStore(t *testing.T) {
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = repo.ListSessions(context.Background(), "user-1")
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}
