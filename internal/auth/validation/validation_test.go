package validation

import (
	"errors"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	v := NewPasswordValidator(PasswordPolicy{
		MinLength:         8,
		RequireUppercase:  true,
		RequireLowercase:  true,
		RequireNumbers:    true,
		RequireSpecial:    true,
		MaxRepeatingChars: 3,
		PreventSequential: true,
		PreventEmailPart:  true,
	})

	tests := []struct {
		name     string
		password string
		email    string
		want     error
	}{
		{"valid", "Tr0ub4dor&Horse", "jane@sutd.edu.sg", nil},
		{"too short", "Ab1!", "", ErrPasswordTooShort},
		{"too long for bcrypt", "Aa1!" + string(make([]byte, 80)), "", ErrPasswordTooLong},
		{"no upper", "tr0ub4dor&horse", "", ErrMissingUppercase},
		{"no lower", "TR0UB4DOR&HORSE", "", ErrMissingLowercase},
		{"no number", "Troubador&Horse", "", ErrMissingNumber},
		{"no special", "Tr0ub4dorHorse", "", ErrMissingSpecial},
		{"repeats", "Tr0uuuub4&Horse", "", ErrConsecutiveChars},
		{"sequence", "Tr0ub4abc&Horse", "", ErrSequentialChars},
		{"reverse sequence", "Tr0ub4&Hor321se", "", ErrSequentialChars},
		{"email name", "Jane&Tr0ub4dor", "jane@sutd.edu.sg", ErrContainsEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePassword(tt.password, tt.email)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidatePassword(%q) = %v, want %v", tt.password, err, tt.want)
			}
		})
	}
}

func TestCommonPassword(t *testing.T) {
	v := NewPasswordValidator(PasswordPolicy{MinLength: 8})
	if err := v.ValidatePassword("Password123", ""); !errors.Is(err, ErrCommonPassword) {
		t.Errorf("got %v, want ErrCommonPassword", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  Jane.Doe@SUTD.edu.sg ", "jane.doe@sutd.edu.sg", true},
		{"no-at-sign", "", false},
		{"Jane <jane@sutd.edu.sg>", "", false},
		{"jane@localhost", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeEmail(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestValidateStudentID(t *testing.T) {
	for id, ok := range map[string]bool{"1006123": true, "100612": false, "10061a3": false} {
		if err := ValidateStudentID(id); (err == nil) != ok {
			t.Errorf("ValidateStudentID(%q) = %v", id, err)
		}
	}
	if err := ValidateName(""); err == nil {
		t.Error("empty name accepted")
	}
}
