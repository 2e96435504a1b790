package model

import (
	"fmt"
	"strings"
)

// Mask hides all but the last four characters of a value. Values of four
// characters or fewer are hidden entirely. nil stays nil.
func Mask(v any) any {
	if v == nil {
		return nil
	}
	s := []rune(fmt.Sprint(v))
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + string(s[len(s)-4:])
}
