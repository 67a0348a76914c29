// Package xmpp defines the contract between the focus and its XMPP layer.
//
// The focus never parses XML itself. The connection, MUC client and stanza
// codec are external collaborators; this package holds the interfaces the
// focus consumes and the typed, opaque payload values exchanged through them.
package xmpp

import (
	"context"

	"mellium.im/xmpp/jid"
)

// IQType is the type attribute of an IQ stanza.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IQ is a typed view of an IQ stanza. Exactly one of Payload or Error is set
// on inbound stanzas; outbound result IQs may carry neither.
type IQ struct {
	ID      string
	To      jid.JID
	From    jid.JID
	Type    IQType
	Payload Payload
	Error   *StanzaError
}

// Payload marks the typed payload variants an IQ can carry.
type Payload interface {
	payloadName() string
}

// Result builds a result IQ answering this one, carrying the given payload.
func (iq IQ) Result(payload Payload) IQ {
	return IQ{
		ID:      iq.ID,
		To:      iq.From,
		From:    iq.To,
		Type:    IQResult,
		Payload: payload,
	}
}

// ErrorReply builds an error IQ answering this one.
func (iq IQ) ErrorReply(err *StanzaError) IQ {
	return IQ{
		ID:    iq.ID,
		To:    iq.From,
		From:  iq.To,
		Type:  IQError,
		Error: err,
	}
}

// IQResponse is what an IQ handler returns to the connection layer.
type IQResponse struct {
	// Reply is the response stanza. Nil means the handler accepted the IQ
	// and will (or already did) respond out of band.
	Reply *IQ
}

// Accepted indicates the IQ was handled and no response should be sent by the
// connection layer.
func Accepted() IQResponse { return IQResponse{} }

// Reply wraps a response stanza.
func Reply(iq IQ) IQResponse { return IQResponse{Reply: &iq} }

// IQHandler processes one inbound IQ.
type IQHandler func(iq IQ) IQResponse

// Connection is the stanza I/O surface the focus consumes. Implementations
// own reconnect, TLS and XML; the focus only sees typed stanzas.
type Connection interface {
	// JID returns the connection's own full JID.
	JID() jid.JID

	// SendIQ sends an IQ of type get or set and awaits the matching result.
	// A returned error IQ is surfaced as (*IQ with Error set, nil); transport
	// failures and timeouts return a non-nil error.
	SendIQ(ctx context.Context, iq IQ) (*IQ, error)

	// SendStanza sends a stanza without awaiting any response.
	SendStanza(iq IQ) error

	// RegisterIQHandler routes inbound set/get IQs carrying the given payload
	// namespace to the handler.
	RegisterIQHandler(namespace string, handler IQHandler)
}
