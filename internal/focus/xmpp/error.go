package xmpp

import (
	"mellium.im/xmpp/stanza"
)

// StanzaError is a stanza-level error: a defined condition plus optional free
// text and an optional application-specific element (e.g. session-invalid).
type StanzaError struct {
	Condition stanza.Condition
	Text      string
	// AppCondition names an application-specific error element appended to
	// the defined condition, e.g. "session-invalid".
	AppCondition string
}

// Error implements the error interface.
func (e *StanzaError) Error() string {
	if e.Text == "" {
		return string(e.Condition)
	}
	return string(e.Condition) + ": " + e.Text
}

// NewStanzaError builds a StanzaError with the given condition and text.
func NewStanzaError(condition stanza.Condition, text string) *StanzaError {
	return &StanzaError{Condition: condition, Text: text}
}

// Common error constructors matching the focus error taxonomy.

func BadRequest(text string) *StanzaError {
	return NewStanzaError(stanza.BadRequest, text)
}

func NotAuthorized(text string) *StanzaError {
	return NewStanzaError(stanza.NotAuthorized, text)
}

func Forbidden(text string) *StanzaError {
	return NewStanzaError(stanza.Forbidden, text)
}

func NotAllowed(text string) *StanzaError {
	return NewStanzaError(stanza.NotAllowed, text)
}

func NotAcceptable(text string) *StanzaError {
	return NewStanzaError(stanza.NotAcceptable, text)
}

// SessionInvalid is a not-acceptable error with the session-invalid
// application element, returned for unknown or mismatched auth sessions.
func SessionInvalid(text string) *StanzaError {
	return &StanzaError{
		Condition:    stanza.NotAcceptable,
		Text:         text,
		AppCondition: "session-invalid",
	}
}

func FeatureNotImplemented(text string) *StanzaError {
	return NewStanzaError(stanza.FeatureNotImplemented, text)
}

func ItemNotFound(text string) *StanzaError {
	return NewStanzaError(stanza.ItemNotFound, text)
}

func UnexpectedRequest(text string) *StanzaError {
	return NewStanzaError(stanza.UnexpectedRequest, text)
}

func ResourceConstraint(text string) *StanzaError {
	return NewStanzaError(stanza.ResourceConstraint, text)
}

func ServiceUnavailable(text string) *StanzaError {
	return NewStanzaError(stanza.ServiceUnavailable, text)
}

func InternalServerError(text string) *StanzaError {
	return NewStanzaError(stanza.InternalServerError, text)
}
