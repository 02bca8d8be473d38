package types

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var sessionIDRegex = regexp.MustCompile(`^[A-Z0-9]{4,12}$`)

const maxNameLength = 50

// NormalizeName trims surrounding whitespace from a display name
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateName checks a display name after normalization
func ValidateName(name string) error {
	n := NormalizeName(name)
	if n == "" || utf8.RuneCountInString(n) > maxNameLength {
		return ErrInvalidName
	}
	return nil
}

// NormalizeSessionID upper-cases a user-typed join code
func NormalizeSessionID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// IsValidSessionID checks the join code format after normalization
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(NormalizeSessionID(id))
}

// Validate ensures a content reference carries type, id and title
func (r *ContentRef) Validate() error {
	if r == nil {
		return ErrInvalidContentRef
	}
	if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Title) == "" {
		return ErrInvalidContentRef
	}
	if r.TotalUnits < 0 {
		return ErrInvalidContentRef
	}
	return nil
}

// ParseIndex extracts a non-negative integer field from a raw JSON payload
// TECHNICAL DISCOVERY: Decoding straight into an int would truncate 2.7 and
// reject nothing useful; the raw token type is checked first
func ParseIndex(raw []byte, field string) (int, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return 0, ErrInvalidIndex
	}
	v := gjson.GetBytes(raw, field)
	if !v.Exists() || v.Type != gjson.Number {
		return 0, ErrInvalidIndex
	}
	f := v.Float()
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, ErrInvalidIndex
	}
	return int(f), nil
}

// IsSettingsObject reports whether raw is a JSON object
func IsSettingsObject(raw []byte) bool {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return false
	}
	return gjson.ParseBytes(raw).IsObject()
}
