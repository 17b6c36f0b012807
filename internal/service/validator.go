package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samandr77/jacaranda/internal/entity"
)

const (
	EmailMaxLen       = 254
	DisplayNameMaxLen = 50
	PasswordMinLen    = 8

	// PasswordMaxBytes is bcrypt's input limit, counted in bytes.
	PasswordMaxBytes = 72
)

var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[\p{L}0-9.-]+\.[\p{L}]{2,}$`)

func ValidateEmail(email string) error {
	if len(email) > EmailMaxLen {
		return entity.ErrEmailInvalidLen
	}

	if !emailRegexp.MatchString(email) {
		return entity.ErrEmailInvalidFormat
	}

	if strings.Contains(email, "..") {
		return entity.ErrEmailInvalidFormat
	}

	return nil
}

func ValidateDisplayName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > DisplayNameMaxLen {
		return entity.ErrDisplayNameInvalidLen
	}

	return nil
}

func ValidatePassword(password, displayName string) error {
	if utf8.RuneCountInString(password) < PasswordMinLen || len(password) > PasswordMaxBytes {
		return entity.ErrPasswordInvalidLen
	}

	if isAllDigits(password) {
		return entity.ErrPasswordAllDigits
	}

	if displayName != "" && strings.EqualFold(password, displayName) {
		return entity.ErrPasswordSameAsName
	}

	return nil
}

// NormalizeContact trims spaces and the brackets mail clients add around pasted addresses.
func NormalizeContact(contact string) string {
	normalized := strings.TrimSpace(contact)
	normalized = strings.Trim(normalized, "()[]<>")

	return strings.TrimSpace(normalized)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}

	return s != ""
}

// looksLikeAddress is the same cheap check the resend flow uses to tell a plain address from a sealed one.
func looksLikeAddress(s string) bool {
	return strings.Contains(s, "@")
}
