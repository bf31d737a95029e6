package carddav

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
)

// supportedProperties is the fixed set of vCard properties this module
// natively models. Every other property is carried opaquely through the
// unsupported-property cache so it can be stitched back into the payload on
// upload.
var supportedProperties = map[string]bool{
	"BEGIN":    true,
	"END":      true,
	"VERSION":  true,
	"PRODID":   true,
	"REV":      true,
	"N":        true,
	"FN":       true,
	"NICKNAME": true,
	"BDAY":     true,
	"X-GENDER": true,
	"EMAIL":    true,
	"TEL":      true,
	"ADR":      true,
	"URL":      true,
	"PHOTO":    true,
	"ORG":      true,
	"TITLE":    true,
	"ROLE":     true,
	"UID":      true,
}

// DecodeContact parses a vCard payload into a structured card restricted to
// the supported properties, plus the raw unsupported property strings in
// encounter order. Each unsupported property is kept in its minimal unfolded
// wire form, verbatim, so that EncodeContact can round-trip it losslessly.
func DecodeContact(data string) (vcard.Card, []string, error) {
	var kept, unsupported []string
	for _, line := range unfoldLines(data) {
		name := propertyName(line)
		if name == "" || supportedProperties[name] {
			kept = append(kept, line)
			continue
		}
		unsupported = append(unsupported, line)
	}

	card, err := vcard.NewDecoder(strings.NewReader(strings.Join(kept, "\r\n") + "\r\n")).Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("carddav: failed to decode vCard: %w", err)
	}
	return card, unsupported, nil
}

// EncodeContact serializes the card's supported properties, then re-inserts
// each cached unsupported property verbatim immediately before the closing
// marker, preserving original order.
func EncodeContact(card vcard.Card, unsupportedProperties []string) (string, error) {
	if card.Value(vcard.FieldVersion) == "" {
		card.SetValue(vcard.FieldVersion, "3.0")
	}

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("carddav: failed to encode vCard: %w", err)
	}

	out := buf.String()
	for _, prop := range unsupportedProperties {
		endIdx := strings.LastIndex(out, "END:VCARD")
		if endIdx > 0 {
			out = out[:endIdx] + prop + "\r\n" + out[endIdx:]
		}
	}
	return out, nil
}

// unfoldLines splits a vCard payload into logical lines, joining folded
// continuation lines (RFC 6350 section 3.2).
func unfoldLines(data string) []string {
	var lines []string
	for _, raw := range strings.Split(data, "\n") {
		raw = strings.TrimRight(raw, "\r")
		if raw == "" {
			continue
		}
		if (strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += raw[1:]
			continue
		}
		lines = append(lines, raw)
	}
	return lines
}

// propertyName extracts the upper-cased property name of a logical vCard
// line, without any group prefix. It returns "" for lines that carry no
// property at all.
func propertyName(line string) string {
	end := strings.IndexAny(line, ";:")
	if end < 0 {
		return ""
	}
	name := line[:end]
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		name = name[dot+1:]
	}
	return strings.ToUpper(strings.TrimSpace(name))
}
