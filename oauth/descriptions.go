package oauth

// Human readable error descriptions. The placeholders are filled with the
// offending parameter, client or claim.
const (
	descMissingParameter            = "the parameter %s is missing"
	descClientIDNotValid            = "the client id parameter %s doesn't exist or is not valid"
	descRedirectURLNotValid         = "the redirect url %s doesn't exist or is not valid"
	descRedirectURINotWellFormed    = "Based on the RFC-3986 the redirection-uri is not well formed"
	descScopesNotAllowed            = "the scopes %s are not allowed or invalid"
	descDuplicateScopes             = "duplicate scopes %s have been passed in parameter"
	descScopeNotWellFormed          = "the scope parameter %s is not well formed"
	descResponseTypeNotSupported    = "at least one response_type parameter is not supported"
	descPromptNotSupported          = "at least one prompt parameter is not supported"
	descPromptNoneOnly              = "prompt parameter should have only none value"
	descClaimNotValid               = "the claim %s is not valid"
	descGrantTypeNotSupported       = "the client %s doesn't support the grant type %s"
	descResponseTypeNotAllowed      = "the client '%s' doesn't support the response type: '%s'"
	descAuthorizationCodeNotCorrect = "the authorization code is not correct"
	descAuthorizationCodeExpired    = "the authorization code is expired"
	descRedirectURIMismatch         = "the redirect_uri is not the same than the one passed in the authorization request"
	descClientMismatch              = "the authorization code has not been issued for the given client id %s"
	descPkceNotValid                = "the code_verifier is not correct"
	descTokenNotValid               = "the token is not valid"
	descTokenExpired                = "the token is expired"
	descRefreshTokenNotValid        = "the refresh token is not valid"
	descRefreshClientMismatch       = "the refresh token can be used only by the same issuer"
	descResourceOwnerCredentials    = "resource owner credentials are not valid"
	descClientCredentialsNotValid   = "the client cannot be authenticated"
	descClientAssertionNotValid     = "the client assertion is not valid"
	descUserNotAuthenticated        = "the user needs to be authenticated"
	descUserConsentNeeded           = "the user needs to give his consent"
	descOpenIDScopeMissing          = "the scope openid is missing"
	descNonceMissing                = "the parameter nonce is missing"
	descTokenClientMismatch         = "the token has not been issued for the given client id %s"
	descCodeChallengeMissing        = "the client %s requires a code_challenge"
	descCodeChallengeMethod         = "the code_challenge_method %s is not supported"

	descMissingRedirectURIs         = "the parameter redirect_uris is missing"
	descRedirectURIContainsFragment = "the redirect_uri %s cannot contains fragment"
	descRedirectURINotHTTPS         = "the redirect_uri %s must use https for a web application"
	descRedirectURILocalhost        = "the redirect_uri %s cannot use localhost for a web application"
	descRedirectURINotLocalhost     = "the redirect_uri %s must use localhost for a native application"
	descParameterNotCorrect         = "the parameter %s is not correct"
	descJwksAndJwksURI              = "the jwks parameter cannot be set because the Jwks Url has already been set"
	descIDTokenEncAlgMissing        = "the parameter id_token_encrypted_response_alg must be specified"
	descUserInfoEncAlgMissing       = "the parameter userinfo_encrypted_response_alg must be specified"
	descRequestObjectEncAlgMissing  = "the parameter request_object_encryption_alg must be specified"
	descSectorIdentifierNotHTTPS    = "the parameter sector_identifier_uri is not a valid https url"
	descSectorIdentifierNotFetched  = "the sector identifier uris cannot be retrieved"
	descSectorURINotRedirect        = "one or more sector uri is not a redirect_uri"
	descRequestURINotValid          = "one of the request_uri is not valid"
	descInitiateLoginNotHTTPS       = "the parameter initiate_login_uri must use https"
)
