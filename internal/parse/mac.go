package parse

import (
	"regexp"
	"strings"

	"network-access-backend/internal/apperr"
)

// macShapeRe accepts colon, dash, Cisco dotted and bare hex spellings. Mixed
// separators or misplaced ones are rejected.
var macShapeRe = regexp.MustCompile(`^(?:[0-9a-f]{2}(?::[0-9a-f]{2}){5}|[0-9a-f]{2}(?:-[0-9a-f]{2}){5}|[0-9a-f]{4}\.[0-9a-f]{4}\.[0-9a-f]{4}|[0-9a-f]{12})$`)

// NormalizeMAC converts the common MAC spellings (aa:bb:.., AA-BB-.., aabb.ccdd.eeff,
// aabbccddeeff) into lowercase colon-separated hex of exactly 6 octets.
func NormalizeMAC(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !macShapeRe.MatchString(s) {
		return "", apperr.Validationf("malformed MAC address %q", raw)
	}
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String(), nil
}

// CallingStationID renders a MAC the way the switch reports it in
// Calling-Station-Id: upper-case colon-hex.
func CallingStationID(raw string) (string, error) {
	mac, err := NormalizeMAC(raw)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(mac), nil
}

// DefaultHostname derives a reservation hostname from a normalised MAC.
func DefaultHostname(mac string) string {
	return "device-" + strings.ReplaceAll(mac, ":", "")
}
