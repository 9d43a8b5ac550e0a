// Package dnscache is the parent-resident shared DNS resolver. Child workers
// replace their default resolver with a stub that speaks this package's IPC
// protocol over an inherited socket; the parent answers from a TTL+LRU cache
// behind an SSRF policy.
package dnscache

import "encoding/json"

// Message type discriminators on the parent<->child wire. Requests carry a
// child-allocated requestId which the parent echoes on the response.
const (
	MsgLookupRequest   = "DNS_LOOKUP_REQUEST"
	MsgLookupResponse  = "DNS_LOOKUP_RESPONSE"
	MsgResolve4Request = "DNS_RESOLVE4_REQUEST"
	MsgResolve4Reply   = "DNS_RESOLVE4_RESPONSE"
	MsgResolve6Request = "DNS_RESOLVE6_REQUEST"
	MsgResolve6Reply   = "DNS_RESOLVE6_RESPONSE"
)

// Envelope is the tagged wire message. Exactly one request or response
// payload is populated depending on Type; unknown types are ignored with a
// logged warning.
type Envelope struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"requestId"`

	// Request fields.
	Hostname string         `json:"hostname,omitempty"`
	Options  *LookupOptions `json:"options,omitempty"`

	// Response fields.
	Success   bool     `json:"success,omitempty"`
	Address   string   `json:"address,omitempty"`
	Family    int      `json:"family,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// LookupOptions mirrors the lookup request's options object. Family is 4, 6,
// or 0 for "either".
type LookupOptions struct {
	Family int `json:"family,omitempty"`
}

// Encode serializes the envelope as a single JSON line (no trailing newline).
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses one wire line.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// responseType maps a request discriminator to its response discriminator.
// Unknown requests map to "".
func responseType(requestType string) string {
	switch requestType {
	case MsgLookupRequest:
		return MsgLookupResponse
	case MsgResolve4Request:
		return MsgResolve4Reply
	case MsgResolve6Request:
		return MsgResolve6Reply
	}
	return ""
}
