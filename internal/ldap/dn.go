package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeDNValue escapes special characters in a DN attribute value according to RFC 4514.
//
// Examples:
//   - "Doe, John" → "Doe\, John"
//   - " John " → "\ John\ "
//   - "#123" → "\#123"
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			// Leading # must be escaped
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			// Leading and trailing spaces must be escaped
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// ChildDN builds "<attrType>=<escaped value>,<parentDN>".
func ChildDN(attrType, value, parentDN string) (string, error) {
	if attrType == "" || value == "" {
		return "", fmt.Errorf("RDN attribute type and value are required")
	}

	parentDN = strings.TrimSpace(parentDN)
	if err := ValidateDNSyntax(parentDN); err != nil {
		return "", err
	}

	return attrType + "=" + EscapeDNValue(value) + "," + parentDN, nil
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	_, err := ldap.ParseDN(dn)
	if err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}
