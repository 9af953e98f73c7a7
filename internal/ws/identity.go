package ws

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/matchify/chat-relay/internal/auth"
	"github.com/matchify/chat-relay/internal/relay"
)

// IdentityResolver resolves the caller of an upgrade request. It returns
// (nil, nil) for requests without a valid identity; an error means the
// lookup itself failed.
type IdentityResolver interface {
	Resolve(r *http.Request) (*relay.Identity, error)
}

// NameSource supplies display names for user IDs.
type NameSource interface {
	DisplayName(ctx context.Context, userID string) (name string, found bool, err error)
}

// TokenResolver authenticates the bearer token and looks the user's display
// name up in the profile store. Names may be nil, in which case the token's
// username claim is used.
type TokenResolver struct {
	Verifier *auth.Verifier
	Names    NameSource
}

// Resolve implements IdentityResolver.
func (t TokenResolver) Resolve(r *http.Request) (*relay.Identity, error) {
	claims, err := t.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		if !errors.Is(err, auth.ErrNoToken) {
			log.Printf("ws: rejecting token from %s: %v", r.RemoteAddr, err)
		}
		return nil, nil
	}

	id := &relay.Identity{UserID: claims.UserID(), DisplayName: claims.Username}
	if t.Names == nil {
		return id, nil
	}

	name, found, err := t.Names.DisplayName(r.Context(), id.UserID)
	if err != nil {
		return nil, err
	}
	if !found {
		// Token for a deleted account.
		return nil, nil
	}
	id.DisplayName = name
	return id, nil
}
