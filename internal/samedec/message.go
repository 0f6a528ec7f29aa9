// message.go parses captured SAME headers. Validation is structural:
// field shapes, charsets and counts. Whether an originator, event code or
// location code is assigned meaning is a policy question for consumers,
// not for the decoder.
package samedec

import (
	"strings"

	"github.com/easwatch/easwatch/internal/errors"
)

const (
	headerPrefix = "ZCZC"
	eomSequence  = "NNNN"

	// maxHeaderBytes bounds header capture. The longest legal header,
	// 31 location codes included, fits well inside this.
	maxHeaderBytes = 268

	// maxLocationCodes is the protocol limit on PSSCCC codes per header.
	maxLocationCodes = 31
)

// Header is a structurally valid SAME header.
//
// Wire shape: ZCZC-ORG-EEE-PSSCCC(-PSSCCC)*+TTTT-JJJHHMM-LLLLLLLL-
type Header struct {
	// Raw is the header exactly as captured, including the ZCZC prefix
	// and the trailing dash.
	Raw string `json:"raw"`

	Originator string   `json:"originator"` // ORG
	EventCode  string   `json:"event_code"` // EEE
	Locations  []string `json:"locations"`  // PSSCCC codes
	Purge      string   `json:"purge"`      // TTTT, minutes-coded valid time
	Issued     string   `json:"issued"`     // JJJHHMM day-of-year and UTC time
	Station    string   `json:"station"`    // LLLLLLLL sender identification
}

func headerErr(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("samedec").
		Category(errors.CategoryDecode).
		Build()
}

// ParseHeader validates raw against the SAME header shape and splits it
// into fields. It accepts exactly one complete header; prefixes of a
// longer header fail, which lets capture treat a successful parse as the
// end-of-header condition.
func ParseHeader(raw string) (*Header, error) {
	if len(raw) > maxHeaderBytes {
		return nil, headerErr("header exceeds %d bytes", maxHeaderBytes)
	}
	if !strings.HasPrefix(raw, headerPrefix+"-") {
		return nil, headerErr("header does not start with %s-", headerPrefix)
	}
	if !strings.HasSuffix(raw, "-") || len(raw) < len(headerPrefix)+2 {
		return nil, headerErr("header is not dash-terminated")
	}

	body := raw[len(headerPrefix)+1 : len(raw)-1]
	plus := strings.IndexByte(body, '+')
	if plus < 0 {
		return nil, headerErr("header has no purge-time separator")
	}

	left := strings.Split(body[:plus], "-")
	if len(left) < 3 {
		return nil, headerErr("header is missing originator, event or location fields")
	}
	org, event := left[0], left[1]
	if !isUpperAlpha(org, 3) {
		return nil, headerErr("originator %q is not three letters", org)
	}
	if !isUpperAlpha(event, 3) {
		return nil, headerErr("event code %q is not three letters", event)
	}
	locs := left[2:]
	if len(locs) > maxLocationCodes {
		return nil, headerErr("header carries %d location codes, limit is %d", len(locs), maxLocationCodes)
	}
	for _, loc := range locs {
		if !isDigits(loc, 6) {
			return nil, headerErr("location code %q is not six digits", loc)
		}
	}

	right := strings.Split(body[plus+1:], "-")
	if len(right) != 3 {
		return nil, headerErr("header tail has %d fields, want purge, issue time and station", len(right))
	}
	purge, issued, station := right[0], right[1], right[2]
	if !isDigits(purge, 4) {
		return nil, headerErr("purge time %q is not four digits", purge)
	}
	if !isDigits(issued, 7) {
		return nil, headerErr("issue time %q is not seven digits", issued)
	}
	if !isStationID(station) {
		return nil, headerErr("station %q is not a valid sender identification", station)
	}

	return &Header{
		Raw:        raw,
		Originator: org,
		EventCode:  event,
		Locations:  append([]string(nil), locs...),
		Purge:      purge,
		Issued:     issued,
		Station:    station,
	}, nil
}

// headerComplete reports whether buf could be a finished header. It gates
// the full parse so capture does not re-split the buffer on every byte.
func headerComplete(buf []byte) bool {
	if len(buf) < len("ZCZC-XXX-XXX-000000+0000-0000000-X-") {
		return false
	}
	return buf[len(buf)-1] == '-'
}

func isUpperAlpha(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isStationID accepts one to eight characters of letters, digits, slash
// and space. Dash is excluded: the station field is the only free-form
// field, and keeping dash out of it is what makes the trailing dash an
// unambiguous header terminator.
func isStationID(s string) bool {
	if len(s) == 0 || len(s) > 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '/' || c == ' ':
		default:
			return false
		}
	}
	return true
}

// printableASCII reports whether c may appear in header content.
func printableASCII(c byte) bool {
	return c >= 0x20 && c <= 0x7e
}
