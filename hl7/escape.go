package hl7

import "strings"

// unescape decodes the standard escape sequences \F\ \S\ \T\ \R\ \E\.
// Unknown sequences (highlighting, hex) are kept verbatim.
func unescape(v string, d delimiters) string {
	esc := d.escape
	if strings.IndexByte(v, esc) < 0 {
		return v
	}

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != esc {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(v[i+1:], esc)
		if end < 0 {
			b.WriteString(v[i:])
			break
		}
		seq := v[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.field)
		case "S":
			b.WriteByte(d.component)
		case "T":
			b.WriteByte(d.subcomponent)
		case "R":
			b.WriteByte(d.repetition)
		case "E":
			b.WriteByte(d.escape)
		default:
			b.WriteString(v[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// Escape encodes delimiter characters in free text using the default
// delimiters so the text can be placed in a single field.
func Escape(v string) string {
	d := defaultDelimiters
	if strings.IndexFunc(v, func(r rune) bool {
		return r == rune(d.field) || r == rune(d.component) || r == rune(d.repetition) ||
			r == rune(d.escape) || r == rune(d.subcomponent) || r == '\r' || r == '\n'
	}) < 0 {
		return v
	}

	var b strings.Builder
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case d.escape:
			b.WriteString(`\E\`)
		case d.field:
			b.WriteString(`\F\`)
		case d.component:
			b.WriteString(`\S\`)
		case d.subcomponent:
			b.WriteString(`\T\`)
		case d.repetition:
			b.WriteString(`\R\`)
		case '\r', '\n':
			b.WriteByte(' ')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}
