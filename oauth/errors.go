package oauth

import (
	"errors"
	"fmt"
)

// Wire error codes returned to relying parties.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrCodeInvalidRequestURI       = "invalid_request_uri"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeConsentRequired         = "consent_required"
	ErrCodeInteractionRequired     = "interaction_required"
	ErrCodeUnhandled               = "unhandled_exception"
)

var (
	// ErrMissingArgument marks a caller bug: a mandatory argument was empty.
	ErrMissingArgument = errors.New("missing argument")
	// ErrClientNotValid is returned when an operation names a client that does not exist.
	ErrClientNotValid = errors.New("client is not valid")
	// ErrTokenNotVerifiable is the soft failure of the JWT parser: the header
	// is unreadable, no key matches, or the signature does not verify.
	ErrTokenNotVerifiable = errors.New("token is not verifiable")
)

func missingArgument(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingArgument, name)
}

func clientNotValid(clientID string) error {
	return fmt.Errorf("%w: "+descClientIDNotValid, ErrClientNotValid, clientID)
}

// Error is a protocol failure surfaced to the relying party as an OAuth2 error response.
type Error struct {
	Code        string
	Description string
	State       string
}

// NewError builds a protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Errorf builds a protocol error with a formatted description.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// WithState returns a copy carrying the request state for correlation.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

// AuthenticationError reports bad credentials. The HTTP layer answers 401.
type AuthenticationError struct {
	Description string
}

func (e *AuthenticationError) Error() string {
	return e.Description
}

// AsError extracts a protocol error from err.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsAuthenticationError reports whether err is a credential failure.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
