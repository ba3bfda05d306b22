package oauth

import (
	"strconv"
	"time"

	"idserver/jwtkit"
)

// OpenID standard claim names.
const (
	ClaimSubject             = "sub"
	ClaimName                = "name"
	ClaimGivenName           = "given_name"
	ClaimFamilyName          = "family_name"
	ClaimMiddleName          = "middle_name"
	ClaimNickName            = "nickname"
	ClaimPreferredUserName   = "preferred_username"
	ClaimProfile             = "profile"
	ClaimPicture             = "picture"
	ClaimWebSite             = "website"
	ClaimGender              = "gender"
	ClaimBirthDate           = "birthdate"
	ClaimZoneInfo            = "zoneinfo"
	ClaimLocale              = "locale"
	ClaimUpdatedAt           = "updated_at"
	ClaimEmail               = "email"
	ClaimEmailVerified       = "email_verified"
	ClaimAddress             = "address"
	ClaimPhoneNumber         = "phone_number"
	ClaimPhoneNumberVerified = "phone_number_verified"
	ClaimRole                = "role"

	// ClaimAuthenticationInstant is the principal claim holding the unix time of login.
	ClaimAuthenticationInstant = "auth_time"
	// ClaimAuthenticationMethod is the principal claim naming the login mechanism.
	ClaimAuthenticationMethod = "amr"
	ClaimAuthenticationLevel  = "acr"
)

// Principal is the claim set of an authenticated subject for the current request.
// Values are string, bool, float64, int64, []string or map[string]any.
type Principal map[string]any

// NewPrincipal builds a principal for subject authenticated at authTime.
func NewPrincipal(subject string, authTime time.Time, claims map[string]any) Principal {
	p := make(Principal, len(claims)+2)
	for k, v := range claims {
		p[k] = v
	}
	p[ClaimSubject] = subject
	if !authTime.IsZero() {
		p[ClaimAuthenticationInstant] = authTime.Unix()
	}
	return p
}

// Subject returns the sub claim.
func (p Principal) Subject() string {
	return jwtkit.Payload(p).String(ClaimSubject)
}

// IsAuthenticated reports whether the principal carries a subject.
func (p Principal) IsAuthenticated() bool {
	return p != nil && p.Subject() != ""
}

// AuthenticationInstant returns the login time when the principal carries one.
func (p Principal) AuthenticationInstant() (time.Time, bool) {
	v, ok := p[ClaimAuthenticationInstant]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(n, 0), true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		return time.Time{}, false
	default:
		n, ok := jwtkit.Payload(p).Int64(ClaimAuthenticationInstant)
		if !ok {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
}

// Value returns the claim value and whether it is present.
func (p Principal) Value(name string) (any, bool) {
	v, ok := p[name]
	return v, ok
}

// Values returns a claim as a list: a single value becomes a one element list.
func (p Principal) Values(name string) []string {
	switch v := p[name].(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, jwtkit.ClaimString(e))
		}
		return out
	default:
		return []string{jwtkit.ClaimString(v)}
	}
}

// DefaultScopeClaims maps the standard OpenID scopes to the claims they release.
var DefaultScopeClaims = map[string][]string{
	"openid": {ClaimSubject},
	"profile": {
		ClaimName, ClaimFamilyName, ClaimGivenName, ClaimMiddleName, ClaimNickName,
		ClaimPreferredUserName, ClaimProfile, ClaimPicture, ClaimWebSite, ClaimGender,
		ClaimBirthDate, ClaimZoneInfo, ClaimLocale, ClaimUpdatedAt,
	},
	"email":   {ClaimEmail, ClaimEmailVerified},
	"address": {ClaimAddress},
	"phone":   {ClaimPhoneNumber, ClaimPhoneNumberVerified},
	"role":    {ClaimRole},
}
