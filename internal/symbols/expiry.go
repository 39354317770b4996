package symbols

import (
	"fmt"
	"strings"
	"time"
)

// expiryLayouts covers the date formats seen across broker master contracts.
var expiryLayouts = []string{
	"02-Jan-06",
	"2-Jan-06",
	"02Jan06",
	"02Jan2006",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"02-Jan-2006",
}

// canonicalExpiry is the gateway's expiry rendering, e.g. 26-JUN-25.
const canonicalExpiry = "02-Jan-06"

// NormalizeExpiry converts a broker-reported expiry date to the canonical
// uppercase DD-MMM-YY form. Empty input stays empty (equities).
func NormalizeExpiry(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	// Title-case the month token so Jan-style layouts parse regardless of
	// the source's casing.
	norm := titleCaseMonths(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return strings.ToUpper(t.Format(canonicalExpiry)), nil
		}
	}
	return "", fmt.Errorf("unrecognized expiry %q", raw)
}

// ExpiryTime parses a canonical expiry into a date in loc, at end of day so
// an instrument remains valid through its expiry session.
func ExpiryTime(canonical string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(canonicalExpiry, titleCaseMonths(canonical), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad canonical expiry %q: %w", canonical, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc), nil
}

func titleCaseMonths(s string) string {
	up := strings.ToUpper(s)
	months := []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}
	for _, m := range months {
		if strings.Contains(up, m) {
			title := m[:1] + strings.ToLower(m[1:])
			return strings.Replace(up, m, title, 1)
		}
	}
	return s
}
