package utils

import "strings"

// NormalizePhone reduces a phone number or remote JID to its canonical
// digits-only form. Gateway payloads carry numbers in several shapes
// ("+55 11 99999-9999", "5511999999999@s.whatsapp.net"); everything but
// digits is stripped so that the same physical sender always maps to the
// same key.
func NormalizePhone(raw string) string {
	// JIDs carry the number before the @
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsGroupRemoteID reports whether a remote identifier addresses a group
// conversation rather than an individual contact. Group JIDs carry the @g.us
// domain; legacy group ids without a domain are creator-timestamp digit
// pairs. A hyphen anywhere else does not make an id a group.
func IsGroupRemoteID(remoteID string) bool {
	if strings.HasSuffix(remoteID, "@g.us") {
		return true
	}
	if strings.IndexByte(remoteID, '@') >= 0 {
		return false
	}
	creator, ts, ok := strings.Cut(remoteID, "-")
	return ok && allDigits(creator) && allDigits(ts)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
