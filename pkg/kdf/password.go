package kdf

import (
	"fmt"
	"unicode"
)

// Password policy thresholds.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// PasswordStrength represents the strength level of a password
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// ValidationResult contains the result of password validation
type ValidationResult struct {
	Valid    bool             // Whether password meets the policy
	Strength PasswordStrength // Estimated strength
	Problems []string         // Policy violations, empty when Valid
	Warnings []string         // Suggestions for improvement
}

// IsPasswordValid reports whether password satisfies the policy: 8 to 128
// characters with at least one letter, one digit and one symbol. This is UI
// guidance, not a security boundary.
func IsPasswordValid(password string) bool {
	return ValidatePassword(password).Valid
}

// ValidatePassword checks password against the policy and estimates its
// strength.
func ValidatePassword(password string) *ValidationResult {
	result := &ValidationResult{Valid: true}

	length := len([]rune(password))
	if length < MinPasswordLength {
		result.Problems = append(result.Problems,
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	if length > MaxPasswordLength {
		result.Problems = append(result.Problems,
			fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength))
	}

	var hasLetter, hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
			if unicode.IsUpper(r) {
				hasUpper = true
			}
			if unicode.IsLower(r) {
				hasLower = true
			}
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !hasLetter {
		result.Problems = append(result.Problems, "Password must contain a letter")
	}
	if !hasDigit {
		result.Problems = append(result.Problems, "Password must contain a number")
	}
	if !hasSymbol {
		result.Problems = append(result.Problems, "Password must contain a symbol")
	}
	result.Valid = len(result.Problems) == 0

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if ok {
			complexity++
		}
	}
	if !hasUpper || !hasLower {
		result.Warnings = append(result.Warnings, "Mixing uppercase and lowercase letters adds strength")
	}
	if length < 12 {
		result.Warnings = append(result.Warnings, "Longer passwords (12+ characters) are more secure")
	}

	switch {
	case !result.Valid:
		result.Strength = PasswordWeak
	case complexity == 4 && length >= 16:
		result.Strength = PasswordStrong
	case complexity >= 3 && length >= 12:
		result.Strength = PasswordGood
	default:
		result.Strength = PasswordFair
	}

	return result
}
