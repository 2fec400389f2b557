package correlation

import (
	"strings"
)

// PartyHeaderName is the vendor header the call-control platform stamps on
// signaling INVITEs. Its value carries the telephony session and party
// identifiers used to recognise that a signaling leg and a telephony leg
// describe the same call.
const PartyHeaderName = "P-Rc-Api-Ids"

// PartyData is the correlation metadata extracted from signaling headers.
type PartyData struct {
	// SessionID is the telephony session identifier, the correlation key.
	SessionID string

	// PartyID identifies which party of the telephony session this leg is.
	PartyID string
}

// ExtractPartyData parses the correlation header out of a raw header set.
// It returns nil when the header is absent or carries no session identifier.
// Malformed input is never an error; an uncorrelatable leg is a valid outcome.
func ExtractPartyData(headers map[string][]string) *PartyData {
	value := headerValue(headers, PartyHeaderName)
	if value == "" {
		return nil
	}
	return parsePartyHeader(value)
}

// headerValue performs a case-insensitive lookup, returning the first value.
// SIP header names are case-insensitive and proxies are inconsistent about
// the casing they emit.
func headerValue(headers map[string][]string, name string) string {
	if headers == nil {
		return ""
	}
	if values, ok := headers[name]; ok && len(values) > 0 {
		return values[0]
	}
	for key, values := range headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// parsePartyHeader parses a "party-id=<id>;session-id=<id>" value.
func parsePartyHeader(value string) *PartyData {
	data := &PartyData{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "session-id":
			data.SessionID = strings.TrimSpace(val)
		case "party-id":
			data.PartyID = strings.TrimSpace(val)
		}
	}
	if data.SessionID == "" {
		return nil
	}
	return data
}
