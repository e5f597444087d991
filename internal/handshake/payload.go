package handshake

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	pion "github.com/pion/webrtc/v4"
)

// Payload is the JSON document carried inside a base64 handshake
// blob. It mirrors the browser RTCSessionDescription shape so either
// kind of endpoint can produce it.
type Payload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// EncodePayload renders a session description as the copy-paste blob:
// standard base64 over compact JSON.
func EncodePayload(desc pion.SessionDescription) (string, error) {
	raw, err := json.Marshal(Payload{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return "", NewError("encode payload", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload parses a pasted blob back into a session description.
// Pasted input is hostile: it arrives with stray whitespace, soft line
// breaks from chat clients, surrounding quotes, or an alternate base64
// alphabet. Everything recoverable is recovered; anything else comes
// back as ErrMalformedPayload with the reason, never a panic.
func DecodePayload(blob string) (pion.SessionDescription, error) {
	var desc pion.SessionDescription

	cleaned := scrub(blob)
	if cleaned == "" {
		return desc, WrapError("decode payload", ErrMalformedPayload, "empty input")
	}

	raw, ok := decodeBase64(cleaned)
	if !ok {
		return desc, WrapError("decode payload", ErrMalformedPayload, "not valid base64")
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return desc, WrapError("decode payload", ErrMalformedPayload, "not a JSON session description")
	}

	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "offer":
		desc.Type = pion.SDPTypeOffer
	case "answer":
		desc.Type = pion.SDPTypeAnswer
	default:
		return pion.SessionDescription{}, WrapError("decode payload", ErrMalformedPayload,
			fmt.Sprintf("unsupported description type %q", p.Type))
	}

	if !strings.HasPrefix(strings.TrimSpace(p.SDP), "v=") {
		return pion.SessionDescription{}, WrapError("decode payload", ErrMalformedPayload, "sdp field is not an SDP document")
	}
	desc.SDP = p.SDP
	return desc, nil
}

// scrub removes the noise paste channels add around a blob: outer
// whitespace, matching quotes, and any embedded line breaks or spaces
// inside the base64 body.
func scrub(blob string) string {
	s := strings.TrimSpace(blob)
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// decodeBase64 tries the standard and URL-safe alphabets, padded and
// raw, accepting whichever yields bytes.
func decodeBase64(s string) ([]byte, bool) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
