package oauth

import (
	"encoding/json"
	"net/url"
)

// ActionType tells the HTTP layer what to do with an action result.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionNoEffect
	ActionRedirectToCallBackURL
	ActionRedirectToAction
)

func (t ActionType) String() string {
	switch t {
	case ActionNoEffect:
		return "NoEffect"
	case ActionRedirectToCallBackURL:
		return "RedirectToCallBackUrl"
	case ActionRedirectToAction:
		return "RedirectToAction"
	default:
		return "None"
	}
}

// Action names an internal page the browser should be sent to.
type Action string

const (
	ActionNameNone         Action = ""
	ActionNameConsentIndex Action = "ConsentIndex"
	ActionNameFormIndex    Action = "FormIndex"
	ActionNameLogin        Action = "AuthenticateIndex"
)

// Parameter is one name/value pair of a redirect.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RedirectInstruction carries ordered parameters, the target action and the response mode.
type RedirectInstruction struct {
	Action       Action
	Parameters   []Parameter
	ResponseMode ResponseMode
}

// AddParameter appends a parameter, replacing an existing one of the same name.
func (r *RedirectInstruction) AddParameter(name, value string) {
	for i := range r.Parameters {
		if r.Parameters[i].Name == name {
			r.Parameters[i].Value = value
			return
		}
	}
	r.Parameters = append(r.Parameters, Parameter{Name: name, Value: value})
}

// Parameter returns the value of a parameter and whether it was set.
func (r *RedirectInstruction) Parameter(name string) (string, bool) {
	for _, p := range r.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Values renders the parameters as url.Values.
func (r *RedirectInstruction) Values() url.Values {
	v := url.Values{}
	for _, p := range r.Parameters {
		v.Add(p.Name, p.Value)
	}
	return v
}

// ActionResult is the output contract of authorization processing.
type ActionResult struct {
	Type                ActionType
	RedirectInstruction *RedirectInstruction
}

// NewRedirectToCallBackURLResult starts a result that redirects to the client.
func NewRedirectToCallBackURLResult() *ActionResult {
	return &ActionResult{Type: ActionRedirectToCallBackURL, RedirectInstruction: &RedirectInstruction{}}
}

// NewRedirectToActionResult starts a result that redirects to an internal page.
func NewRedirectToActionResult(action Action) *ActionResult {
	return &ActionResult{Type: ActionRedirectToAction, RedirectInstruction: &RedirectInstruction{Action: action}}
}

// NewNoEffectResult is returned when nothing remains to be done by the caller.
func NewNoEffectResult() *ActionResult {
	return &ActionResult{Type: ActionNoEffect, RedirectInstruction: &RedirectInstruction{}}
}

func parametersJSON(params []Parameter) string {
	b, err := json.Marshal(params)
	if err != nil {
		return "[]"
	}
	return string(b)
}
