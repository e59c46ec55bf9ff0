// Package auth resolves the identity behind a websocket upgrade request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/collab"
	"github.com/manpreetbhatti/cellsync/internal/store"
)

const lookupTimeout = 3 * time.Second

// TokenStore maps an access token to its user.
type TokenStore interface {
	UserByToken(ctx context.Context, token string) (*store.User, error)
}

type Resolver struct {
	tokens TokenStore
}

func NewResolver(tokens TokenStore) *Resolver {
	return &Resolver{tokens: tokens}
}

// Resolve returns the identity for the request, or nil when the request
// carries no token or an unknown one.
func (r *Resolver) Resolve(req *http.Request) *collab.Identity {
	token := TokenFromRequest(req)
	if token == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	user, err := r.tokens.UserByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("Token lookup failed")
		}
		return nil
	}
	return &collab.Identity{UserID: user.ID, Username: user.Username}
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter (browsers cannot set headers
// on a websocket handshake).
func TokenFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}
