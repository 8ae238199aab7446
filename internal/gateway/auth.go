package gateway

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
)

// ErrUnauthenticated rejects a connection's credentials.
var ErrUnauthenticated = errors.New("invalid credentials")

// Identity is the authenticated principal behind one connection.
type Identity struct {
	OwnerID uuid.UUID
	Admin   bool
}

// Authenticator validates a client-presented token. Provided so the auth
// collaborator stays swappable; the gateway never inspects tokens itself.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

const keyPrefixLen = 8

// KeyAuthenticator authenticates websocket clients with the same API keys
// the HTTP surface uses.
type KeyAuthenticator struct {
	store store.Store
}

func NewKeyAuthenticator(s store.Store) *KeyAuthenticator {
	return &KeyAuthenticator{store: s}
}

func (a *KeyAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if len(token) < keyPrefixLen {
		return Identity{}, ErrUnauthenticated
	}
	keys, err := a.store.GetAPIKeyByPrefix(ctx, token[:keyPrefixLen])
	if err != nil {
		return Identity{}, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)) == nil {
			go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)
			return Identity{
				OwnerID: key.OwnerID,
				Admin:   slices.Contains(key.Scopes, "admin"),
			}, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}
