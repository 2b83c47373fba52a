package core

import (
	"context"
	"errors"
	"net/http"

	"github.com/putto11262002/parley/pkg/router"
)

const key identityKey = "identity"

type identityKey string

func contextWithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, key, userID)
}

func identityFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(key).(string)
	return userID, ok
}

// UserIDFromRequest extracts the verified user id from the request context.
// It must be called in handlers that are protected by the JWTMiddleware.
// It panics if the identity is not found in the request context.
func UserIDFromRequest(r *http.Request) string {
	userID, ok := identityFromContext(r.Context())
	if !ok {
		panic("identity not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return userID
}

// JWTMiddleware verifies the credential carried by the request and attaches the user id to the request context.
// The user id is guaranteed to be in the request context for subsequent handlers.
func JWTMiddleware(v IdentityVerifier) router.Middleware {

	return func(next http.Handler) router.HandlerFunc {

		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			ctx := r.Context()

			credential := CredentialFromRequest(r)
			if credential == "" {
				return authErr
			}

			userID, err := v.Verify(ctx, credential)
			if err != nil {
				if errors.Is(err, ErrAuthenticationFailed) {
					return authErr
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(contextWithIdentity(ctx, userID)))
			return nil
		})
	}
}
