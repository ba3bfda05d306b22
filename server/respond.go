package server

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"idserver/oauth"
)

const errCodeServerError = "server_error"

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	State            string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as an RFC 6749 JSON error body. Protocol errors keep
// their code, credential failures answer 401 and anything else is logged and
// reported as server_error.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if oe, ok := oauth.AsError(err); ok {
		status := http.StatusBadRequest
		switch oe.Code {
		case oauth.ErrCodeInvalidClient:
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Basic realm="idserver"`)
		case oauth.ErrCodeInvalidToken:
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		case oauth.ErrCodeUnhandled:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorBody{Error: oe.Code, ErrorDescription: oe.Description, State: oe.State})
		return
	}
	if oauth.IsAuthenticationError(err) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "access_denied", ErrorDescription: err.Error()})
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errCodeServerError, ErrorDescription: "unhandled exception"})
}

// redirectError sends a protocol error back to the client's redirect URI. It
// falls back to a JSON body when the URI is not safe to redirect to.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI string, mode oauth.ResponseMode, oe *oauth.Error) {
	if !isSafeRedirectURI(redirectURI) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: oe.Code, ErrorDescription: oe.Description, State: oe.State})
		return
	}
	values := url.Values{}
	values.Set("error", oe.Code)
	if oe.Description != "" {
		values.Set("error_description", oe.Description)
	}
	if oe.State != "" {
		values.Set("state", oe.State)
	}
	if mode == oauth.ResponseModeFormPost {
		renderFormPost(w, redirectURI, values)
		return
	}
	target, err := withResponseParameters(redirectURI, values, mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: oe.Code, ErrorDescription: oe.Description, State: oe.State})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// withResponseParameters appends values to the query or, in fragment mode,
// replaces the fragment of redirectURI.
func withResponseParameters(redirectURI string, values url.Values, mode oauth.ResponseMode) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	if mode == oauth.ResponseModeFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + values.Encode(), nil
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit this form</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $name, $values := .Values}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>`))

// renderFormPost answers with an auto-submitting form (OAuth 2.0 Form Post
// Response Mode).
func renderFormPost(w http.ResponseWriter, action string, values url.Values) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = formPostTemplate.Execute(w, struct {
		Action string
		Values url.Values
	}{Action: action, Values: values})
}

// applyActionResult turns the result of an authorization action into an
// HTTP response.
func (a *App) applyActionResult(w http.ResponseWriter, r *http.Request, result *oauth.ActionResult, param *oauth.AuthorizationParameter) {
	if result == nil || result.RedirectInstruction == nil {
		writeError(w, a.Logger, oauth.ErrMissingArgument)
		return
	}
	instruction := result.RedirectInstruction

	switch result.Type {
	case oauth.ActionRedirectToCallBackURL:
		target, err := withResponseParameters(param.RedirectURI, instruction.Values(), instruction.ResponseMode)
		if err != nil {
			writeError(w, a.Logger, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)

	case oauth.ActionRedirectToAction:
		switch instruction.Action {
		case oauth.ActionNameFormIndex:
			values := instruction.Values()
			action := values.Get(oauth.ParamRedirectURI)
			values.Del(oauth.ParamRedirectURI)
			renderFormPost(w, action, values)
		case oauth.ActionNameLogin:
			a.redirectToLogin(w, r, instruction, param)
		case oauth.ActionNameConsentIndex:
			http.Redirect(w, r, a.Config.Issuer()+"/consent?"+instruction.Values().Encode(), http.StatusFound)
		default:
			writeError(w, a.Logger, oauth.Errorf(oauth.ErrCodeUnhandled, "unknown action %s", instruction.Action))
		}

	case oauth.ActionNoEffect:
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, a.Logger, oauth.Errorf(oauth.ErrCodeUnhandled, "unknown action result %s", result.Type))
	}
}
