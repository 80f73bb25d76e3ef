package proxy

import (
	"fmt"

	"golang.org/x/net/dns/dnsmessage"
)

// UpstreamErrorKind classifies forwarding failures.
type UpstreamErrorKind int

const (
	// UpstreamTimeout means no matching answer arrived in time.
	UpstreamTimeout UpstreamErrorKind = iota
	// UpstreamUnreachable means the upstream could not be dialed, written
	// to or read from.
	UpstreamUnreachable
)

func (k UpstreamErrorKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case UpstreamUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("UpstreamErrorKind(%d)", int(k))
	}
}

// UpstreamError is a forwarding failure. The client sees SERVFAIL.
type UpstreamError struct {
	Kind UpstreamErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("proxy: upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// reply builds a header-and-question response to the query described by h.
// q may be nil when the question could not be parsed.
func reply(h dnsmessage.Header, q *dnsmessage.Question, rcode dnsmessage.RCode) []byte {
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 h.ID,
		Response:           true,
		OpCode:             h.OpCode,
		RecursionDesired:   h.RecursionDesired,
		RecursionAvailable: true,
		RCode:              rcode,
	})
	b.EnableCompression()
	if q != nil {
		if err := b.StartQuestions(); err != nil {
			return formErr(h.ID)
		}
		if err := b.Question(*q); err != nil {
			return formErr(h.ID)
		}
	}
	msg, err := b.Finish()
	if err != nil {
		return formErr(h.ID)
	}
	return msg
}

// formErr is the bare FORMERR reply for a message whose header could not
// be parsed. Only the ID is echoed.
func formErr(id uint16) []byte {
	h := dnsmessage.Header{
		ID:       id,
		Response: true,
		RCode:    dnsmessage.RCodeFormatError,
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 12), h)
	msg, err := b.Finish()
	if err != nil {
		// A header-only message always fits.
		panic(err)
	}
	return msg
}
