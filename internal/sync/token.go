package sync

import (
	"context"
	"os"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
)

// TokenSource supplies the bearer token sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Refresh discards the cached token after the server rejected it.
	Refresh(ctx context.Context) error
}

// StaticToken is a fixed token. Refresh is a no-op.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", apperrors.New(apperrors.ErrAuth, "no token configured")
	}
	return string(t), nil
}

// Refresh is a no-op.
func (StaticToken) Refresh(context.Context) error { return nil }

// RefreshingToken caches a token obtained from fetch and refetches it after
// Refresh.
type RefreshingToken struct {
	fetch func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
}

// NewRefreshingToken creates a RefreshingToken.
func NewRefreshingToken(fetch func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{fetch: fetch}
}

// Token returns the cached token, fetching one if needed.
func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	token, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	return token, nil
}

// Refresh fetches a new token immediately.
func (t *RefreshingToken) Refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, err := t.fetch(ctx)
	if err != nil {
		t.token = ""
		return err
	}
	t.token = token
	return nil
}

// NewFileToken reads the token from path. Refresh rereads the file, so a
// rotated credential is used without restarting the session.
func NewFileToken(path string) *RefreshingToken {
	return NewRefreshingToken(func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrAuth, "read token file", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", apperrors.New(apperrors.ErrAuth, "token file "+path+" is empty")
		}
		return token, nil
	})
}
