package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinModelYear is the earliest year we accept.
const MinModelYear = 1950

// MaxModelYear is the latest year we accept (current + 1 for next-year models).
const MaxModelYear = 2027

// MinSymptomLength is the shortest fault description, in runes, worth sending.
const MinSymptomLength = 20

// Standard SAE J2012 layout: system letter, code type digit, three hex digits.
var obdRegex = regexp.MustCompile(`^[PCBU][0-3][0-9A-F]{3}$`)

// ValidateVehicle validates a Vehicle before it is stored.
func ValidateVehicle(v Vehicle) error {
	if strings.TrimSpace(v.Name) == "" {
		return NewValidationError("name", v.Name, ErrInvalidVehicle)
	}
	// Year is optional but if provided must be plausible.
	if v.Year != 0 && (v.Year < MinModelYear || v.Year > MaxModelYear) {
		return NewValidationError("year", fmt.Sprintf("%d", v.Year), ErrYearOutOfRange)
	}
	if v.Mileage < 0 {
		return NewValidationError("current_mileage", fmt.Sprintf("%d", v.Mileage), ErrInvalidMileage)
	}
	return nil
}

// NormalizeOBDCode trims and upper-cases a trouble code. Codes outside the
// standard layout are still accepted (standard=false); the backend decides.
func NormalizeOBDCode(code string) (normalized string, standard bool, err error) {
	normalized = strings.ToUpper(strings.Join(strings.Fields(code), ""))
	if normalized == "" {
		return "", false, NewValidationError("code", code, ErrEmptyOBDCode)
	}
	return normalized, obdRegex.MatchString(normalized), nil
}

// ValidateSymptoms checks a free-text fault description.
func ValidateSymptoms(text string) (string, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < MinSymptomLength {
		return "", NewValidationError("symptoms", text, ErrQueryTooShort)
	}
	return text, nil
}

// ValidateChatMessage checks a maintenance chat message.
func ValidateChatMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", NewValidationError("message", msg, ErrEmptyMessage)
	}
	return msg, nil
}
