// Package invite builds and parses the out-of-band artifacts a host
// hands to a guest: the room code, the passphrase, and the single-use
// invite link that carries the offer in its URL fragment.
package invite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNotLink       = errors.New("invite: not an invite link")
	ErrMissingFields = errors.New("invite: link is missing room, pass or offer")
)

// Invite is the full set of values a guest needs to join a room. The
// offer payload travels in the link fragment so it never reaches any
// server that might log query strings.
type Invite struct {
	RoomID     string
	Passphrase string
	Offer      string
}

// BuildLink renders an invite as a shareable URL. Fragment values are
// URL-escaped; base is used as-is apart from a trailing "#".
func BuildLink(base string, inv Invite) string {
	frag := url.Values{}
	frag.Set("room", inv.RoomID)
	frag.Set("pass", inv.Passphrase)
	frag.Set("offer", inv.Offer)
	return fmt.Sprintf("%s#%s", strings.TrimSuffix(base, "#"), frag.Encode())
}

// ParseLink extracts an Invite from a pasted link. It accepts any URL
// with a room/pass/offer fragment regardless of host so links built
// against a different base still work.
func ParseLink(raw string) (Invite, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, "#")
	if idx < 0 {
		return Invite{}, ErrNotLink
	}
	frag, err := url.ParseQuery(raw[idx+1:])
	if err != nil {
		return Invite{}, fmt.Errorf("invite: malformed fragment: %w", err)
	}
	inv := Invite{
		RoomID:     frag.Get("room"),
		Passphrase: frag.Get("pass"),
		Offer:      frag.Get("offer"),
	}
	if inv.RoomID == "" || inv.Passphrase == "" || inv.Offer == "" {
		return Invite{}, ErrMissingFields
	}
	return inv, nil
}

// IsLink reports whether raw looks like an invite link rather than a
// bare handshake payload. Payloads are base64 and never contain "#".
func IsLink(raw string) bool {
	raw = strings.TrimSpace(raw)
	return strings.Contains(raw, "#") &&
		(strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"))
}
