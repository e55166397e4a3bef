package schema

import (
	"strings"
	"unicode"
)

// NormalizeNotebookID validates and normalizes a notebook identifier.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-'.
func NormalizeNotebookID(id string) (NotebookID, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", ErrInvalidRequest
	}
	for _, r := range trimmed {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidRequest
	}
	return NotebookID(trimmed), nil
}

// NormalizeLanguage validates a cell language. Empty defaults to python.
func NormalizeLanguage(value string) (Language, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	switch trimmed {
	case "", "python":
		return LanguagePython, nil
	case "markdown":
		return LanguageMarkdown, nil
	default:
		return "", ErrInvalidRequest
	}
}

// IsBlank reports whether cell contents contain only whitespace.
func IsBlank(contents string) bool {
	return strings.TrimSpace(contents) == ""
}

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}
