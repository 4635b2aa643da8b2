package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

type saveCall struct {
	token, sessionID, title string
	messages                []domain.Message
}

// memStore is an in-memory HistoryStore keyed by token, most recent first.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	sessions map[string][]domain.SessionSummary
	saves    []saveCall
	loads    int
	clears   int
	saveErr  error
	loadErr  error
	clearErr error
	// With loadGate set, Load snapshots the list, signals loadStarted and
	// waits for the gate before returning the snapshot.
	loadGate    chan struct{}
	loadStarted chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		sessions: make(map[string][]domain.SessionSummary),
	}
}

func (s *memStore) Save(_ context.Context, token, sessionID, title string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, saveCall{token, sessionID, title, domain.CloneMessages(messages)})
	s.now = s.now.Add(time.Second)
	list := slices.DeleteFunc(s.sessions[token], func(x domain.SessionSummary) bool { return x.ID == sessionID })
	entry := domain.SessionSummary{ID: sessionID, Title: title, Timestamp: s.now, Messages: domain.CloneMessages(messages)}
	s.sessions[token] = append([]domain.SessionSummary{entry}, list...)
	return nil
}

func (s *memStore) Load(_ context.Context, token string) ([]domain.SessionSummary, error) {
	s.mu.Lock()
	s.loads++
	list, err := domain.CloneSummaries(s.sessions[token]), s.loadErr
	gate, started := s.loadGate, s.loadStarted
	s.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *memStore) Clear(_ context.Context, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.clearErr != nil {
		return 0, s.clearErr
	}
	n := int64(len(s.sessions[token]))
	delete(s.sessions, token)
	return n, nil
}

func (s *memStore) seed(token string, list ...domain.SessionSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = append(s.sessions[token], list...)
}

func (s *memStore) saveCalls() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.saves)
}

func (s *memStore) stored(token string) []domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneSummaries(s.sessions[token])
}

// fakeGen returns an outline titled after the prompt. With a gate it blocks
// until the gate is closed or sent on.
type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	err     error
	gate    chan struct{}
	started chan string
}

func (g *fakeGen) Generate(ctx context.Context, prompt string) (*domain.CourseOutline, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	gate, started, err := g.gate, g.started, g.err
	g.mu.Unlock()

	if started != nil {
		started <- prompt
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.CourseOutline{
		Title:   "Course: " + prompt,
		Modules: []domain.Module{{Title: "Module 1", Lessons: []string{"Lesson 1"}}},
	}, nil
}

type fakeExporter struct {
	err error
	got *domain.CourseOutline
}

func (e *fakeExporter) Export(_ context.Context, c *domain.CourseOutline) ([]byte, error) {
	e.got = c
	if e.err != nil {
		return nil, e.err
	}
	return []byte("%PDF-1.3"), nil
}

// relayedError stands in for an error response relayed by the API client.
type relayedError string

func (e relayedError) Error() string         { return "server error: " + string(e) }
func (e relayedError) ServerMessage() string { return string(e) }

var errStoreDown = errors.New("history store failure: connection refused")

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "session-" + string(rune('a'+n-1))
	}
}

func userText(s string) domain.Message {
	return domain.Message{Sender: domain.SenderUser, Content: domain.TextContent(s)}
}

func aiText(s string) domain.Message {
	return domain.Message{Sender: domain.SenderAssistant, Content: domain.TextContent(s)}
}
