// Package validate provides input validation and sanitization for API request
// bodies: free-text fields, identifiers and struct-tag validation of DTOs.
package validate

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Length limits for free-text fields.
const (
	MaxNameLength        = 100
	MaxTitleLength       = 200
	MaxMessageLength     = 2000
	MaxDescriptionLength = 2000
	MaxIdentifierLength  = 64
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:]*$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex the whole value must match
	AllowEmpty     bool
	TrimSpace      bool
	// SingleLine rejects newlines and other control characters.
	SingleLine bool
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	// Rune count, not byte count.
	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			if constraints.SingleLine {
				return "", fmt.Errorf("%w: line breaks are not allowed", ErrInvalidCharacters)
			}
			continue
		}
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, r)
		}
	}

	return s, nil
}

// SanitizeHTML escapes HTML special characters so text is safe to render in
// a browser toast or notification drawer.
func SanitizeHTML(s string) string {
	return html.EscapeString(s)
}

// SanitizeString performs both validation and HTML sanitization.
func SanitizeString(s string, constraints StringConstraints) (string, error) {
	validated, err := String(s, constraints)
	if err != nil {
		return "", err
	}
	return SanitizeHTML(validated), nil
}

// Truncated cleans free text that must never be rejected. Invalid UTF-8 and
// control characters other than line breaks and tabs are dropped, the text is
// cut to maxLen runes and HTML-escaped.
func Truncated(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, ""))
	var b strings.Builder
	n := 0
	for _, r := range s {
		if maxLen > 0 && n == maxLen {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return SanitizeHTML(strings.TrimSpace(b.String()))
}

// Identifier validates an opaque ID such as a tour or checkpoint ID.
func Identifier(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxIdentifierLength,
		AllowedPattern: identifierPattern,
		TrimSpace:      true,
		SingleLine:     true,
	})
}

// CheckpointName validates a checkpoint display name: 1-100 characters, one line.
func CheckpointName(name string) (string, error) {
	return SanitizeString(name, StringConstraints{
		MinLength:  1,
		MaxLength:  MaxNameLength,
		TrimSpace:  true,
		SingleLine: true,
	})
}

// Title validates a notification title: 1-200 characters, one line.
func Title(title string) (string, error) {
	return SanitizeString(title, StringConstraints{
		MinLength:  1,
		MaxLength:  MaxTitleLength,
		TrimSpace:  true,
		SingleLine: true,
	})
}

// Message validates an announcement body: required, max 2000 characters.
func Message(msg string) (string, error) {
	return SanitizeString(msg, StringConstraints{
		MinLength: 1,
		MaxLength: MaxMessageLength,
		TrimSpace: true,
	})
}

// Description validates an optional incident description: max 2000 characters.
func Description(desc string) (string, error) {
	return SanitizeString(desc, StringConstraints{
		MaxLength:  MaxDescriptionLength,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}
