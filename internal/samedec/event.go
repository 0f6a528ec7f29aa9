// event.go defines the events published by the decoder. Consumers are
// the notifier, the HTTP API and the health monitor; the JSON shape is
// part of the API surface.
package samedec

import "time"

// EventKind discriminates decoder events.
type EventKind string

const (
	// EventBurstDetected fires when preamble correlation locks. The
	// burst may still turn out to be noise or malformed.
	EventBurstDetected EventKind = "burst_detected"

	// EventBurstValidated fires once per message, on the first
	// repetition whose header parses. Later repetitions of the same
	// header are consumed silently.
	EventBurstValidated EventKind = "burst_validated"

	// EventBurstRejected fires for bursts that carried header content
	// but never produced a valid header: bad characters, overflow, or a
	// bit stream that died mid-capture. Noise locks that never show
	// content reset silently and do not appear here.
	EventBurstRejected EventKind = "burst_rejected"

	// EventEndOfMessage fires on the first NNNN burst, closing the
	// current message if one is open.
	EventEndOfMessage EventKind = "end_of_message"
)

// Event is one decoder occurrence. Fields beyond Kind and Timestamp are
// populated per kind: Header and Confidence for validations, Reason for
// rejections, Attention for end of message.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Header is the raw validated header for EventBurstValidated.
	Header string `json:"header,omitempty"`

	// Confidence is the fraction of header bit decisions whose
	// correlation margin cleared the confidence threshold, 0..1.
	Confidence float64 `json:"confidence,omitempty"`

	// Reason explains an EventBurstRejected.
	Reason string `json:"reason,omitempty"`

	// Attention reports, on EventEndOfMessage, whether the two-tone
	// attention signal was heard during the message.
	Attention bool `json:"attention,omitempty"`
}

// Rejection reasons.
const (
	// RejectInvalidCharacter: a non-printable byte arrived inside
	// header content.
	RejectInvalidCharacter = "invalid_character"

	// RejectHeaderOverflow: capture exceeded the maximum header length
	// without completing.
	RejectHeaderOverflow = "header_overflow"

	// RejectHeaderIncomplete: the bit budget ran out mid-header, the
	// burst ended or degenerated before the trailing dash.
	RejectHeaderIncomplete = "header_incomplete"

	// RejectMalformedEOM: a burst started NNNN and broke off.
	RejectMalformedEOM = "malformed_eom"
)
