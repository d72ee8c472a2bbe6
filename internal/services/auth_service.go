package services

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/models"
)

type AuthStore interface {
	GetJourney(ctx context.Context, id []byte) (*models.Journey, error)
}

// TokenSigner issues a connection token. journeyID is empty for admin tokens.
type TokenSigner func(subject, journeyID string, admin bool, ttl time.Duration) (string, error)

type AuthService struct {
	store     AuthStore
	signToken TokenSigner
	adminHash []byte
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token     string        `json:"token"`
	JourneyID string        `json:"journey_id,omitempty"`
	Admin     bool          `json:"admin,omitempty"`
	ExpiresIn time.Duration `json:"-"`
}

// NewAuthService builds the token issuer. An empty adminHash disables
// admin login.
func NewAuthService(store AuthStore, signer TokenSigner, adminHash string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		store:     store,
		signToken: signer,
		adminHash: []byte(strings.TrimSpace(adminHash)),
		tokenTTL:  ttl,
	}
}

// JourneyToken issues a token that authorizes realtime events for one journey.
func (s *AuthService) JourneyToken(ctx context.Context, journeyHex string) (*AuthResult, error) {
	id, err := ids.ParseHex(journeyHex)
	if err != nil {
		return nil, NewInvalidError("invalid journey id")
	}
	j, err := s.store.GetJourney(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, NewNotFoundError("journey not found")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	hex := ids.Hex(j.ID)
	token, err := s.signToken("journey:"+hex, hex, false, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, JourneyID: hex, ExpiresIn: s.tokenTTL}, nil
}

func (s *AuthService) AdminLogin(password string) (*AuthResult, error) {
	if strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("password required")
	}
	if len(s.adminHash) == 0 {
		return nil, NewForbiddenError("admin login disabled")
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken("admin", "", true, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Admin: true, ExpiresIn: s.tokenTTL}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
