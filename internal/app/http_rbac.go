package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/rbac"
)

type actorKey struct{}

func withActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor on a request context.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// identify verifies a bearer token when present.
func (s *HTTPServer) identify(r *http.Request) (*Actor, error) {
	token := bearerToken(r)
	if token == "" {
		// EventSource cannot set headers.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		return nil, nil
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	actor := actorFromClaims(claims)
	return &actor, nil
}

// requireActor rejects requests without a valid bearer token.
func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.identify(r)
		if err != nil || actor == nil {
			if err != nil && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
				s.log.Warn("token verification failed", zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), *actor)))
	})
}

// allow gates a route on the actor's role.
func (s *HTTPServer) allow(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := ActorFrom(r.Context())
			if err := s.service.Authorize(actor, action); err != nil {
				s.forbid(w, r, actor, action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, actor Actor, action rbac.Action) {
	s.log.Info("request denied",
		zap.String("user_id", actor.UserID),
		zap.String("role", string(actor.Role)),
		zap.String("action", string(action)),
		zap.String("path", r.URL.Path),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}
