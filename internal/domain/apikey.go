package domain

import (
	"fmt"
	"time"
)

// APIKey represents an API key for authentication. Each key carries the
// role its caller acts with, so the pipeline never has to look the role up
// from shared state mid-request.
type APIKey struct {
	ID        string
	OrgID     string
	Name      string
	Role      Role
	KeyHash   string // Never store plaintext keys
	CreatedAt time.Time
	RevokedAt *time.Time
}

// IsRevoked returns true if the API key has been revoked
func (a *APIKey) IsRevoked() bool {
	return a.RevokedAt != nil
}

// ValidateAPIKey validates an APIKey instance
func ValidateAPIKey(a *APIKey) error {
	if a == nil {
		return fmt.Errorf("api key cannot be nil")
	}

	if a.ID == "" {
		return fmt.Errorf("api key ID is required")
	}

	if a.OrgID == "" {
		return fmt.Errorf("api key OrgID is required")
	}

	if a.Name == "" {
		return fmt.Errorf("api key Name is required")
	}

	if a.KeyHash == "" {
		return fmt.Errorf("api key KeyHash is required")
	}

	if !IsValidRole(a.Role) {
		return fmt.Errorf("api key Role is invalid: %s", a.Role)
	}

	return nil
}
