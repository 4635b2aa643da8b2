// Package reconcile owns the client-side view of a user's chat history: the
// active session, the visible session list, and when each is persisted or
// refreshed against the history store.
//
// All transitions run under one mutex. Network calls are made with the mutex
// released; their results are applied only if the active session and
// identity they were issued for are still current.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/export"
)

// Messages shown by the reconciler itself.
const (
	GreetingText     = "Hello! Tell me a topic, an audience and a duration, and I will draft a course outline for you."
	LoadingText      = "Generating course outline..."
	SaveFailedText   = "Error: this conversation could not be saved. It is still shown here; your next message will try again."
	ClearConfirmText = "Are you sure you want to delete all chat history? This action cannot be undone."
)

var (
	// ErrBusy is returned by Send while a generation is in flight.
	ErrBusy = errors.New("a course outline is already being generated")
	// ErrEmptyPrompt is returned by Send for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotAuthenticated is returned by operations that need an identity.
	ErrNotAuthenticated = errors.New("you must be signed in")
	// ErrCancelled is returned when the user declines a confirmation.
	ErrCancelled = errors.New("cancelled")
	// ErrUnknownSession is returned by Select for an id not in the list.
	ErrUnknownSession = errors.New("session is not in the history list")
	// ErrNoCourse is returned by Export for a missing or untitled outline.
	ErrNoCourse = errors.New("no valid course data found to export")
)

// State is the active session's relation to the store.
type State int

const (
	// Unauthenticated means no identity: nothing is persisted.
	Unauthenticated State = iota
	// AuthenticatedEmpty means signed in with no session held by the store
	// and nothing typed into the active one yet.
	AuthenticatedEmpty
	// AuthenticatedActive means signed in with a session eligible for persistence.
	AuthenticatedActive
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AuthenticatedEmpty:
		return "authenticated-empty"
	case AuthenticatedActive:
		return "authenticated-active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HistoryStore persists sessions for the identity behind token.
type HistoryStore interface {
	Save(ctx context.Context, token, sessionID, title string, messages []domain.Message) error
	Load(ctx context.Context, token string) ([]domain.SessionSummary, error)
	Clear(ctx context.Context, token string) (int64, error)
}

// Generator produces a course outline for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*domain.CourseOutline, error)
}

// Exporter renders an outline as a document.
type Exporter interface {
	Export(ctx context.Context, outline *domain.CourseOutline) ([]byte, error)
}

// Confirmer asks the user a yes/no question and blocks for the answer.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, question string) (bool, error) {
	return f(ctx, question)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source for placeholder list entries.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// WithConfirmer sets the confirmation prompt used by ClearAll. Without one,
// ClearAll always returns ErrCancelled.
func WithConfirmer(c Confirmer) Option {
	return func(r *Reconciler) { r.confirm = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// Reconciler is the stateful client core. It is safe for concurrent use.
type Reconciler struct {
	store    HistoryStore
	gen      Generator
	exporter Exporter
	confirm  Confirmer
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger

	mu    sync.Mutex
	token string
	// epoch changes on every sign-in and sign-out; responses issued under an
	// older epoch are dropped.
	epoch   uint64
	active  domain.Session
	history []domain.SessionSummary
	// pending holds ids of list entries added locally and not yet seen in a
	// store listing.
	pending map[string]bool
	busy    bool
}

// New creates an unauthenticated reconciler showing a fresh session.
func New(store HistoryStore, gen Generator, exporter Exporter, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		gen:      gen,
		exporter: exporter,
		now:      time.Now,
		newID:    domain.NewSessionID,
		logger:   slog.Default(),
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.active = r.freshSession()
	return r
}

func (r *Reconciler) freshSession() domain.Session {
	return domain.Session{
		ID:    r.newID(),
		Title: domain.DefaultTitle,
		Messages: []domain.Message{{
			Sender:    domain.SenderAssistant,
			Content:   domain.TextContent(GreetingText),
			Ephemeral: true,
		}},
	}
}

// SignIn adopts token as the current identity and loads its history. On
// success the displayed conversation is replaced by the most recent stored
// session, or by a fresh one when there is none. A failed load keeps the
// conversation on screen.
func (r *Reconciler) SignIn(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNotAuthenticated
	}

	r.mu.Lock()
	r.token = token
	r.epoch++
	epoch := r.epoch
	// The list belongs to the previous identity.
	r.history = nil
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	list, err := r.store.Load(ctx, token)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return nil
	}
	if err != nil {
		// Replies still in flight were issued under the old epoch and will be
		// dropped, so their placeholders go now.
		r.active.Messages = stripLoading(r.active.Messages)
		r.logger.Warn("History load failed, keeping the current conversation", "error", err, "active_session", r.active.ID)
		return nil
	}
	r.history = domain.CloneSummaries(list)
	if len(list) > 0 {
		r.active = sessionFromSummary(list[0])
	} else {
		r.active = r.freshSession()
	}
	r.logger.Info("History loaded", "sessions", len(list), "active_session", r.active.ID)
	return nil
}

// SignOut drops the identity, clears the list and shows a fresh session.
// Nothing is persisted.
func (r *Reconciler) SignOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	r.epoch++
	r.history = nil
	r.pending = make(map[string]bool)
	r.active = r.freshSession()
}

// Send appends prompt as a user turn, generates a reply and, when signed in,
// persists the completed turn and refreshes the list. Generation and save
// failures are reported inline in the conversation, not as errors.
func (r *Reconciler) Send(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return ErrBusy
	}
	r.busy = true
	sessionID, epoch := r.active.ID, r.epoch
	r.active.Messages = append(r.active.Messages,
		domain.Message{Sender: domain.SenderUser, Content: domain.TextContent(prompt)},
		domain.Message{Sender: domain.SenderAssistant, Content: domain.TextContent(LoadingText), IsLoading: true},
	)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	outline, genErr := r.gen.Generate(ctx, prompt)
	reply := replyMessage(outline, genErr)
	if genErr != nil {
		r.logger.Warn("Course generation failed", "error", genErr, "session_id", sessionID)
	}

	r.mu.Lock()
	replaced := false
	if r.currentLocked(sessionID, epoch) {
		r.active.Messages, replaced = replaceLoading(r.active.Messages, reply)
	}
	if !replaced {
		r.mu.Unlock()
		r.logger.Info("Discarding reply for inactive session", "session_id", sessionID)
		return nil
	}
	token := r.token
	if token == "" {
		r.mu.Unlock()
		return nil
	}
	snapshot := domain.CloneMessages(domain.Persistable(r.active.Messages))
	title := domain.DeriveTitle(snapshot)
	r.active.Title = title
	r.mu.Unlock()

	if err := r.store.Save(ctx, token, sessionID, title, snapshot); err != nil {
		r.logger.Error("History save failed", "error", err, "session_id", sessionID)
		r.mu.Lock()
		if r.currentLocked(sessionID, epoch) {
			r.active.Messages = append(r.active.Messages, domain.Message{
				Sender:    domain.SenderAssistant,
				Content:   domain.TextContent(SaveFailedText),
				Ephemeral: true,
			})
		}
		r.mu.Unlock()
		return nil
	}

	if err := r.refresh(ctx, token, epoch); err != nil {
		r.logger.Warn("History refresh after save failed", "error", err)
	}
	return nil
}

// Refresh re-fetches the session list. The active conversation is not touched.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	token, epoch := r.token, r.epoch
	r.mu.Unlock()
	if token == "" {
		return ErrNotAuthenticated
	}
	return r.refresh(ctx, token, epoch)
}

func (r *Reconciler) refresh(ctx context.Context, token string, epoch uint64) error {
	list, err := r.store.Load(ctx, token)
	if err != nil {
		return fmt.Errorf("refresh history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return nil
	}
	next := domain.CloneSummaries(list)
	stored := make(map[string]bool, len(next))
	for _, s := range next {
		stored[s.ID] = true
		delete(r.pending, s.ID)
	}
	// Keep the active session's local entry until the store knows it.
	if r.pending[r.active.ID] && !stored[r.active.ID] {
		for _, s := range r.history {
			if s.ID == r.active.ID {
				next = append([]domain.SessionSummary{s}, next...)
				break
			}
		}
	}
	for id := range r.pending {
		if id != r.active.ID {
			delete(r.pending, id)
		}
	}
	r.history = next
	return nil
}

// NewChat makes a fresh session active and lists it first. It reaches the
// store only once a turn completes in it.
func (r *Reconciler) NewChat() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newChatLocked()
}

func (r *Reconciler) newChatLocked() string {
	r.active = r.freshSession()
	r.history = append([]domain.SessionSummary{{
		ID:        r.active.ID,
		Title:     domain.DefaultTitle,
		Timestamp: r.now(),
		Messages:  []domain.Message{},
	}}, r.history...)
	r.pending[r.active.ID] = true
	return r.active.ID
}

// Select makes the listed session id active, using the messages already held
// in the list.
func (r *Reconciler) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.active.ID {
		return nil
	}
	for _, s := range r.history {
		if s.ID != id {
			continue
		}
		r.active.Messages = stripLoading(r.active.Messages)
		if r.pending[id] && len(s.Messages) == 0 {
			// A locally created chat shows its greeting again.
			fresh := r.freshSession()
			fresh.ID = id
			r.active = fresh
			return nil
		}
		r.active = sessionFromSummary(s)
		return nil
	}
	return ErrUnknownSession
}

// ClearAll deletes every stored session of the identity after confirmation,
// then starts a new chat.
func (r *Reconciler) ClearAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	token, epoch := r.token, r.epoch
	r.mu.Unlock()
	if token == "" {
		return 0, ErrNotAuthenticated
	}

	if r.confirm == nil {
		return 0, ErrCancelled
	}
	ok, err := r.confirm.Confirm(ctx, ClearConfirmText)
	if err != nil {
		return 0, fmt.Errorf("confirm clear: %w", err)
	}
	if !ok {
		return 0, ErrCancelled
	}

	n, err := r.store.Clear(ctx, token)
	if err != nil {
		r.logger.Error("History clear failed", "error", err)
		return 0, fmt.Errorf("clear history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch == epoch {
		// Listings fetched before the clear must not restore deleted sessions.
		r.epoch++
		r.history = nil
		r.pending = make(map[string]bool)
		r.newChatLocked()
	}
	r.logger.Info("History cleared", "deleted", n)
	return n, nil
}

// Export renders outline and returns the document with its download name.
func (r *Reconciler) Export(ctx context.Context, outline *domain.CourseOutline) ([]byte, string, error) {
	if outline == nil || strings.TrimSpace(outline.Title) == "" {
		return nil, "", ErrNoCourse
	}
	doc, err := r.exporter.Export(ctx, outline)
	if err != nil {
		return nil, "", fmt.Errorf("export course: %w", err)
	}
	return doc, export.Filename(outline.Title), nil
}

// State reports the active session's relation to the store.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return Unauthenticated
	}
	for _, s := range r.history {
		if !r.pending[s.ID] {
			return AuthenticatedActive
		}
	}
	for _, m := range r.active.Messages {
		if m.Sender == domain.SenderUser {
			return AuthenticatedActive
		}
	}
	return AuthenticatedEmpty
}

// Active returns a copy of the active session.
func (r *Reconciler) Active() domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.active
	s.Messages = domain.CloneMessages(r.active.Messages)
	s.Title = domain.DeriveTitle(domain.Persistable(s.Messages))
	return s
}

// History returns a copy of the visible session list.
func (r *Reconciler) History() []domain.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.CloneSummaries(r.history)
}

// Busy reports whether a Send is in progress.
func (r *Reconciler) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Authenticated reports whether an identity is present.
func (r *Reconciler) Authenticated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != ""
}

func (r *Reconciler) currentLocked(sessionID string, epoch uint64) bool {
	return r.active.ID == sessionID && r.epoch == epoch
}

func sessionFromSummary(s domain.SessionSummary) domain.Session {
	return domain.Session{
		ID:          s.ID,
		Title:       s.Title,
		Messages:    domain.CloneMessages(s.Messages),
		LastUpdated: s.Timestamp,
	}
}

func replyMessage(outline *domain.CourseOutline, err error) domain.Message {
	if err != nil {
		return domain.Message{Sender: domain.SenderAssistant, Content: domain.TextContent("Error: " + displayError(err))}
	}
	if outline == nil {
		return domain.Message{Sender: domain.SenderAssistant, Content: domain.TextContent("Error: Unknown error.")}
	}
	return domain.Message{Sender: domain.SenderAssistant, Content: domain.CourseContent(outline), IsCourse: true}
}

// displayError returns the text of an inline error turn. Errors relayed by
// the API server show the server's message.
func displayError(err error) string {
	var relayed interface{ ServerMessage() string }
	if errors.As(err, &relayed) && relayed.ServerMessage() != "" {
		return relayed.ServerMessage()
	}
	switch {
	case errors.Is(err, course.ErrEmptyPrompt):
		return course.MessageEmptyPrompt
	case errors.Is(err, course.ErrInvalidJSON):
		return course.MessageInvalidJSON
	case errors.Is(err, course.ErrUpstream):
		return course.MessageUpstream
	}
	return err.Error()
}

// replaceLoading swaps the last loading placeholder for reply. It reports
// false when the placeholder is gone, meaning the session was reopened from
// the list while generating.
func replaceLoading(msgs []domain.Message, reply domain.Message) ([]domain.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsLoading {
			msgs[i] = reply
			return msgs, true
		}
	}
	return msgs, false
}

func stripLoading(msgs []domain.Message) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if !m.IsLoading {
			out = append(out, m)
		}
	}
	return out
}
