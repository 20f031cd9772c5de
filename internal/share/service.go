package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/util"
)

var (
	ErrInvalidRequest   = errors.New("invalid share request")
	ErrLinkNotFound     = errors.New("share link not found")
	ErrLinkExpired      = errors.New("share link expired")
	ErrLinkRevoked      = errors.New("share link revoked")
	ErrPasswordRequired = errors.New("share link requires a password")
	ErrPasswordMismatch = errors.New("share link password is incorrect")
)

const defaultExpiryDays = 7

type Store interface {
	InsertShareLink(ctx context.Context, item store.ShareLink) error
	LookupShareLink(ctx context.Context, tokenHash string) (store.ShareLink, error)
	TouchShareLink(ctx context.Context, id string, at time.Time) error
	RevokeShareLink(ctx context.Context, tenantID, id string, at time.Time) error
}

type Service struct {
	store   Store
	baseURL string
	maxDays int
	log     *zap.Logger
	now     func() time.Time
}

func NewService(s Store, publicBaseURL string, maxDays int, log *zap.Logger) *Service {
	if maxDays <= 0 {
		maxDays = 90
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:   s,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		maxDays: maxDays,
		log:     log.Named("share"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	Request
	TenantID  string
	CreatedBy string
}

// Create mints a token and stores its hash. The raw token only appears in
// the returned share URL.
func (s *Service) Create(ctx context.Context, in CreateInput) (Response, error) {
	if strings.TrimSpace(in.DocID) == "" || strings.TrimSpace(in.TenantID) == "" {
		return Response{}, fmt.Errorf("%w: docId is required", ErrInvalidRequest)
	}
	days := in.ExpiresInDays
	if days == 0 {
		days = defaultExpiryDays
	}
	if days < 0 || days > s.maxDays {
		return Response{}, fmt.Errorf("%w: expiresInDays must be between 1 and %d", ErrInvalidRequest, s.maxDays)
	}

	token, err := generateToken()
	if err != nil {
		return Response{}, fmt.Errorf("generate share token: %w", err)
	}
	now := s.now()
	item := store.ShareLink{
		ID:          util.NewID("shr"),
		TokenHash:   auth.HashToken(token),
		DocumentID:  in.DocID,
		TenantID:    in.TenantID,
		CreatedBy:   in.CreatedBy,
		RequireAuth: in.RequireAuth,
		Watermark:   in.Watermark,
		ExpiresAt:   now.Add(time.Duration(days) * 24 * time.Hour),
		CreatedAt:   now,
	}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return Response{}, fmt.Errorf("hash share password: %w", err)
		}
		encoded := string(hash)
		item.PasswordHash = &encoded
	}
	if err := s.store.InsertShareLink(ctx, item); err != nil {
		return Response{}, err
	}

	s.log.Info("share link created",
		zap.String("share_id", item.ID),
		zap.String("document_id", item.DocumentID),
		zap.Time("expires_at", item.ExpiresAt),
	)
	return Response{
		ID:          item.ID,
		ShareURL:    s.baseURL + "/share/" + token,
		ExpiresAt:   item.ExpiresAt,
		RequireAuth: item.RequireAuth,
		Watermark:   item.Watermark,
	}, nil
}

// Resolve returns the live link behind token and records the access.
// RequireAuth is left to the caller, which knows the request identity.
func (s *Service) Resolve(ctx context.Context, token, password string) (store.ShareLink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.ShareLink{}, ErrLinkNotFound
	}
	item, err := s.store.LookupShareLink(ctx, auth.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return store.ShareLink{}, ErrLinkNotFound
	}
	if err != nil {
		return store.ShareLink{}, err
	}

	now := s.now()
	switch {
	case item.RevokedAt != nil:
		return store.ShareLink{}, ErrLinkRevoked
	case !now.Before(item.ExpiresAt):
		return store.ShareLink{}, ErrLinkExpired
	}
	if item.PasswordHash != nil {
		if password == "" {
			return store.ShareLink{}, ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(*item.PasswordHash), []byte(password)) != nil {
			return store.ShareLink{}, ErrPasswordMismatch
		}
	}

	if err := s.store.TouchShareLink(ctx, item.ID, now); err != nil {
		s.log.Warn("record share access", zap.String("share_id", item.ID), zap.Error(err))
	}
	return item, nil
}

func (s *Service) Revoke(ctx context.Context, tenantID, id string) error {
	err := s.store.RevokeShareLink(ctx, tenantID, id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrLinkNotFound
	}
	return err
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
