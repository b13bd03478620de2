package normalize

import (
	"strconv"
	"strings"
	"unicode"
)

// Administrative code widths. Spreadsheet round-trips drop leading zeros,
// so numeric codes are left-padded back to these widths.
const (
	TercWidth = 7
	SimcWidth = 7
	UlicWidth = 5
)

// BuildingNumber returns the comparison key for a building number:
// upper-cased with all whitespace and hyphens removed. Absent input
// yields "".
func BuildingNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsSpace(r) || isHyphen(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LocalNumber returns the comparison key for a unit/local number, or nil
// when the input is empty or whitespace only.
func LocalNumber(raw string) *string {
	key := BuildingNumber(raw)
	if key == "" {
		return nil
	}
	return &key
}

// Display returns the human readable form: trimmed and upper-cased.
func Display(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// OptionalDisplay is Display for nullable fields.
func OptionalDisplay(raw string) *string {
	d := Display(raw)
	if d == "" {
		return nil
	}
	return &d
}

// Code trims an administrative code and restores leading zeros for purely
// numeric values shorter than width. Non-numeric codes are returned trimmed.
func Code(raw string, width int) string {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) >= width {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	return strings.Repeat("0", width-len(s)) + s
}

// OptionalCode is Code for nullable fields.
func OptionalCode(raw string, width int) *string {
	c := Code(raw, width)
	if c == "" {
		return nil
	}
	return &c
}

// Coordinate parses a decimal coordinate, accepting a comma as the
// decimal separator.
func Coordinate(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// HeaderName folds a column name for alias lookup: lower case, trimmed,
// inner whitespace runs collapsed to a single underscore.
func HeaderName(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimPrefix(raw, "\ufeff")))
	return strings.Join(fields, "_")
}

func isHyphen(r rune) bool {
	switch r {
	case '-', '\u2010', '\u2011', '\u2012', '\u2013', '\u2014', '\u2212':
		return true
	}
	return false
}
