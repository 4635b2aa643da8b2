package reconcile

import (
	"context"
	"fmt"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/store"
)

// LocalStore serves HistoryStore straight from a Repository, resolving each
// token to a user ID with a Verifier. It backs offline clients that have no
// server to talk to.
type LocalStore struct {
	repo     store.Repository
	verifier identity.Verifier
}

// NewLocalStore creates a LocalStore.
func NewLocalStore(repo store.Repository, verifier identity.Verifier) *LocalStore {
	return &LocalStore{repo: repo, verifier: verifier}
}

func (s *LocalStore) userID(ctx context.Context, token string) (string, error) {
	id, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return id.UserID, nil
}

// Save upserts the session for the token's user.
func (s *LocalStore) Save(ctx context.Context, token, sessionID, title string, messages []domain.Message) error {
	uid, err := s.userID(ctx, token)
	if err != nil {
		return err
	}
	return s.repo.UpsertSession(ctx, uid, sessionID, title, domain.Persistable(messages))
}

// Load lists the token's sessions, most recent first.
func (s *LocalStore) Load(ctx context.Context, token string) ([]domain.SessionSummary, error) {
	uid, err := s.userID(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, uid)
}

// Clear deletes the token's sessions.
func (s *LocalStore) Clear(ctx context.Context, token string) (int64, error) {
	uid, err := s.userID(ctx, token)
	if err != nil {
		return 0, err
	}
	return s.repo.ClearAll(ctx, uid)
}

// DocumentExporter adapts a context-free renderer such as export.PDFRenderer.
type DocumentExporter struct {
	Render interface {
		Export(*domain.CourseOutline) ([]byte, error)
	}
}

// Export renders outline unless ctx is already done.
func (e DocumentExporter) Export(ctx context.Context, outline *domain.CourseOutline) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Render.Export(outline)
}
