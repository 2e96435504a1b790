package dialect

import (
	"fmt"
	"strings"
)

// CasePolicy controls how identifiers are folded before they are handed to or
// received from the database.
type CasePolicy int

const (
	CaseSensitive CasePolicy = iota
	CaseUppercase
	CaseLowercase
)

// ParseCase parses "sensitive", "uppercase" or "lowercase".
func ParseCase(s string) (CasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sensitive":
		return CaseSensitive, nil
	case "uppercase", "upper":
		return CaseUppercase, nil
	case "lowercase", "lower":
		return CaseLowercase, nil
	}
	return CaseSensitive, fmt.Errorf("unknown case policy %q", s)
}

func (c CasePolicy) String() string {
	switch c {
	case CaseUppercase:
		return "uppercase"
	case CaseLowercase:
		return "lowercase"
	default:
		return "sensitive"
	}
}

// Fold applies the policy to one identifier.
func (c CasePolicy) Fold(identifier string) string {
	switch c {
	case CaseUppercase:
		return strings.ToUpper(identifier)
	case CaseLowercase:
		return strings.ToLower(identifier)
	default:
		return identifier
	}
}
