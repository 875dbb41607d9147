package validation

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrPasswordTooShort  = errors.New("password is too short")
	ErrPasswordTooLong   = errors.New("password is too long")
	ErrMissingUppercase  = errors.New("password must contain at least one uppercase letter")
	ErrMissingLowercase  = errors.New("password must contain at least one lowercase letter")
	ErrMissingNumber     = errors.New("password must contain at least one number")
	ErrMissingSpecial    = errors.New("password must contain at least one special character")
	ErrContainsEmail     = errors.New("password cannot contain the email name")
	ErrCommonPassword    = errors.New("password is too common")
	ErrConsecutiveChars  = errors.New("password contains consecutive repeated characters")
	ErrSequentialChars   = errors.New("password contains sequential characters")
	ErrPasswordUnchanged = errors.New("new password must differ from the current one")
)

type PasswordPolicy struct {
	MinLength         int
	MaxLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireNumbers    bool
	RequireSpecial    bool
	MaxRepeatingChars int
	PreventSequential bool
	PreventEmailPart  bool
}

// bcrypt ignores input past 72 bytes
const maxBcryptLength = 72

type PasswordValidator struct {
	policy PasswordPolicy
}

func NewPasswordValidator(policy PasswordPolicy) *PasswordValidator {
	if policy.MaxLength <= 0 || policy.MaxLength > maxBcryptLength {
		policy.MaxLength = maxBcryptLength
	}
	return &PasswordValidator{policy: policy}
}

// ValidatePassword checks password against the policy. email may be empty.
func (v *PasswordValidator) ValidatePassword(password, email string) error {
	if len(password) < v.policy.MinLength {
		return ErrPasswordTooShort
	}
	if len(password) > v.policy.MaxLength {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	switch {
	case v.policy.RequireUppercase && !hasUpper:
		return ErrMissingUppercase
	case v.policy.RequireLowercase && !hasLower:
		return ErrMissingLowercase
	case v.policy.RequireNumbers && !hasNumber:
		return ErrMissingNumber
	case v.policy.RequireSpecial && !hasSpecial:
		return ErrMissingSpecial
	}

	if v.policy.MaxRepeatingChars > 0 && repeats(password) > v.policy.MaxRepeatingChars {
		return ErrConsecutiveChars
	}
	if v.policy.PreventSequential && hasSequence(password) {
		return ErrSequentialChars
	}
	if v.policy.PreventEmailPart && containsEmailName(password, email) {
		return ErrContainsEmail
	}
	if commonPasswords[strings.ToLower(password)] {
		return ErrCommonPassword
	}
	return nil
}

// repeats returns the longest run of one repeated rune.
func repeats(s string) int {
	var (
		longest, run int
		last         rune
	)
	for i, char := range s {
		if i > 0 && char == last {
			run++
		} else {
			run = 1
			last = char
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

func hasSequence(password string) bool {
	sequences := []string{
		"abcdefghijklmnopqrstuvwxyz",
		"0123456789",
	}

	low := strings.ToLower(password)
	for _, seq := range sequences {
		for i := 0; i < len(seq)-2; i++ {
			run := seq[i : i+3]
			if strings.Contains(low, run) || strings.Contains(low, reverse(run)) {
				return true
			}
		}
	}
	return false
}

func containsEmailName(password, email string) bool {
	name, _, _ := strings.Cut(strings.ToLower(email), "@")
	if len(name) < 3 {
		return false
	}
	return strings.Contains(strings.ToLower(password), name)
}

var commonPasswords = map[string]bool{
	"password":    true,
	"password1":   true,
	"password123": true,
	"12345678":    true,
	"123456789":   true,
	"qwerty123":   true,
	"admin123":    true,
	"letmein1":    true,
	"welcome1":    true,
	"iloveyou":    true,
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
