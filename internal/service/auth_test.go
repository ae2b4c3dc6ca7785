package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearbridge/guardrail/internal/domain"
)

// MockOrgRepository is a mock implementation of OrgRepository
type MockOrgRepository struct {
	mock.Mock
}

func (m *MockOrgRepository) Create(ctx context.Context, org *domain.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

func (m *MockOrgRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Organization), args.Error(1)
}

func (m *MockOrgRepository) GetByName(ctx context.Context, name string) (*domain.Organization, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Organization), args.Error(1)
}

func (m *MockOrgRepository) List(ctx context.Context) ([]*domain.Organization, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Organization), args.Error(1)
}

// MockAPIKeyRepository is a mock implementation of APIKeyRepository
type MockAPIKeyRepository struct {
	mock.Mock
}

func (m *MockAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockAPIKeyRepository) GetByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepository) GetByOrgID(ctx context.Context, orgID string) ([]*domain.APIKey, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyRepository) Revoke(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func TestAuthService_CreateAPIKey(t *testing.T) {
	ctx := context.Background()
	org := &domain.Organization{ID: "org-1", Name: "Clearbridge", CreatedAt: time.Now().UTC()}

	t.Run("generates a prefixed token and stores only the hash", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		keyRepo := new(MockAPIKeyRepository)
		svc := NewAuthService(orgRepo, keyRepo, NewMockUUIDGenerator("key-1"))

		orgRepo.On("GetByID", mock.Anything, "org-1").Return(org, nil)
		keyRepo.On("Create", mock.Anything, mock.MatchedBy(func(k *domain.APIKey) bool {
			return k.OrgID == "org-1" &&
				k.Role == domain.RoleManager &&
				k.KeyHash != "" &&
				!strings.HasPrefix(k.KeyHash, apiKeyPrefix)
		})).Return(nil)

		token, err := svc.CreateAPIKey(ctx, "org-1", "ops key", domain.RoleManager)

		require.NoError(t, err)
		assert.True(t, IsValidAPIToken(token))
		keyRepo.AssertExpectations(t)
	})

	t.Run("rejects an unknown role", func(t *testing.T) {
		svc := NewAuthService(new(MockOrgRepository), new(MockAPIKeyRepository), NewMockUUIDGenerator())

		_, err := svc.CreateAPIKey(ctx, "org-1", "ops key", "superadmin")

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
	})
}

func TestAuthService_ResolveActor(t *testing.T) {
	ctx := context.Background()

	token, err := generateAPIToken()
	require.NoError(t, err)

	t.Run("valid token resolves to an actor with org and role", func(t *testing.T) {
		keyRepo := new(MockAPIKeyRepository)
		svc := NewAuthService(new(MockOrgRepository), keyRepo, NewMockUUIDGenerator())

		keyRepo.On("GetByHash", mock.Anything, hashToken(token)).Return(&domain.APIKey{
			ID:    "key-1",
			OrgID: "org-1",
			Role:  domain.RoleOwner,
		}, nil)

		actor, err := svc.ResolveActor(ctx, token)

		require.NoError(t, err)
		assert.Equal(t, domain.Actor{ID: "key-1", OrgID: "org-1", Role: domain.RoleOwner}, actor)
	})

	t.Run("malformed token is rejected without a lookup", func(t *testing.T) {
		keyRepo := new(MockAPIKeyRepository)
		svc := NewAuthService(new(MockOrgRepository), keyRepo, NewMockUUIDGenerator())

		_, err := svc.ResolveActor(ctx, "not-a-token")

		assert.Equal(t, domain.ErrInvalidAPIKey, err)
		keyRepo.AssertNotCalled(t, "GetByHash", mock.Anything, mock.Anything)
	})

	t.Run("unknown token reads as invalid, not missing", func(t *testing.T) {
		keyRepo := new(MockAPIKeyRepository)
		svc := NewAuthService(new(MockOrgRepository), keyRepo, NewMockUUIDGenerator())

		keyRepo.On("GetByHash", mock.Anything, mock.Anything).Return(nil, domain.ErrAPIKeyNotFound)

		_, err := svc.ResolveActor(ctx, token)

		assert.Equal(t, domain.ErrInvalidAPIKey, err)
	})

	t.Run("revoked key is rejected", func(t *testing.T) {
		keyRepo := new(MockAPIKeyRepository)
		svc := NewAuthService(new(MockOrgRepository), keyRepo, NewMockUUIDGenerator())

		revokedAt := time.Now().UTC()
		keyRepo.On("GetByHash", mock.Anything, mock.Anything).Return(&domain.APIKey{
			ID:        "key-1",
			OrgID:     "org-1",
			Role:      domain.RoleStaff,
			RevokedAt: &revokedAt,
		}, nil)

		_, err := svc.ResolveActor(ctx, token)

		assert.Equal(t, domain.ErrAPIKeyRevoked, err)
	})
}
