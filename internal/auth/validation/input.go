package validation

import (
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidEmail     = errors.New("email address is invalid")
	ErrInvalidName      = errors.New("name must be between 1 and 100 characters")
	ErrInvalidStudentID = errors.New("student id must be 7 digits")
)

// NormalizeEmail lowercases and trims an address and checks its syntax.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 254 {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || n > 100 {
		return ErrInvalidName
	}
	return nil
}

// ValidateStudentID accepts the 7 digit SUTD matriculation number.
func ValidateStudentID(id string) error {
	if len(id) != 7 {
		return ErrInvalidStudentID
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return ErrInvalidStudentID
		}
	}
	return nil
}

var invalid = []error{
	ErrInvalidEmail,
	ErrInvalidName,
	ErrInvalidStudentID,
	ErrPasswordTooShort,
	ErrPasswordTooLong,
	ErrMissingUppercase,
	ErrMissingLowercase,
	ErrMissingNumber,
	ErrMissingSpecial,
	ErrContainsEmail,
	ErrCommonPassword,
	ErrConsecutiveChars,
	ErrSequentialChars,
	ErrPasswordUnchanged,
}

// IsInvalid reports whether err is one of the input validation errors of this package.
func IsInvalid(err error) bool {
	for _, target := range invalid {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
