package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/cellsync/internal/store"
)

type tokenMap map[string]store.User

func (m tokenMap) UserByToken(ctx context.Context, token string) (*store.User, error) {
	if token == "explode" {
		return nil, errors.New("db down")
	}
	u, ok := m[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "bearer header", target: "/ws", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", target: "/ws", header: "bearer abc", want: "abc"},
		{name: "query fallback", target: "/ws?token=xyz", want: "xyz"},
		{name: "header wins", target: "/ws?token=xyz", header: "Bearer abc", want: "abc"},
		{name: "non bearer header", target: "/ws?token=xyz", header: "Basic Zm9v", want: "xyz"},
		{name: "nothing", target: "/ws", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(req))
		})
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver(tokenMap{"good": {ID: "u1", Username: "alice"}})

	req := httptest.NewRequest("GET", "/ws?token=good", nil)
	id := r.Resolve(req)
	require.NotNil(t, id)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "alice", id.Username)

	assert.Nil(t, r.Resolve(httptest.NewRequest("GET", "/ws?token=bad", nil)))
	assert.Nil(t, r.Resolve(httptest.NewRequest("GET", "/ws", nil)))
	assert.Nil(t, r.Resolve(httptest.NewRequest("GET", "/ws?token=explode", nil)))
}
