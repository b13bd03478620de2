package normalize

import "strings"

// Composite holds the coded parts of a reference-feed record of the form
// TERC|SIMC|ULIC|NUMER. Missing trailing parts are left empty.
type Composite struct {
	Terc       string
	Simc       string
	Ulic       string
	BuildingNo string
}

// ParseComposite splits a raw composite record. It never fails; a record
// without separators is treated as a bare building number.
func ParseComposite(raw string) Composite {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Composite{}
	}
	if !strings.Contains(raw, "|") {
		return Composite{BuildingNo: raw}
	}
	parts := strings.Split(raw, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	var c Composite
	if len(parts) > 0 {
		c.Terc = Code(parts[0], TercWidth)
	}
	if len(parts) > 1 {
		c.Simc = Code(parts[1], SimcWidth)
	}
	if len(parts) > 2 {
		c.Ulic = Code(parts[2], UlicWidth)
	}
	if len(parts) > 3 {
		c.BuildingNo = parts[3]
	}
	return c
}
