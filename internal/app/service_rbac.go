package app

import (
	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/rbac"
)

// Actor is the verified caller of a request.
type Actor struct {
	UserID   string
	Name     string
	TenantID string
	Role     rbac.Role
}

func actorFromClaims(claims auth.Claims) Actor {
	return Actor{
		UserID:   claims.Subject,
		Name:     claims.Name,
		TenantID: claims.TenantID,
		Role:     rbac.Normalize(claims.Role),
	}
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Authorize returns ErrForbidden when actor may not perform action.
func (s *Service) Authorize(actor Actor, action rbac.Action) error {
	if !s.Can(actor.Role, action) {
		return ErrForbidden
	}
	return nil
}
