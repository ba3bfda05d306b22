package oauth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ResourceOwnerValidator checks local account credentials.
type ResourceOwnerValidator struct {
	owners ResourceOwnerRepository
}

// NewResourceOwnerValidator constructs a ResourceOwnerValidator.
func NewResourceOwnerValidator(owners ResourceOwnerRepository) *ResourceOwnerValidator {
	return &ResourceOwnerValidator{owners: owners}
}

// ValidateCredentials returns the account when password matches its bcrypt
// hash, or an *AuthenticationError otherwise.
func (v *ResourceOwnerValidator) ValidateCredentials(ctx context.Context, login, password string) (*ResourceOwner, error) {
	if login == "" {
		return nil, missingArgument("login")
	}
	if password == "" {
		return nil, missingArgument("password")
	}
	owner, err := v.owners.GetResourceOwner(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("get resource owner: %w", err)
	}
	if owner == nil {
		return nil, &AuthenticationError{Description: descResourceOwnerCredentials}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)); err != nil {
		return nil, &AuthenticationError{Description: descResourceOwnerCredentials}
	}
	return owner, nil
}

// HashPassword hashes a password for storage on a ResourceOwner.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}
