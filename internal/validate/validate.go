// Package validate builds the request validator shared by the HTTP and gRPC surfaces.
package validate

import (
	"unicode"

	"github.com/go-playground/validator/v10"
)

// New returns a validator with the strong_password rule registered.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("strong_password", StrongPassword)
	return v
}

// StrongPassword requires 12..128 characters with upper, lower, digit and special classes.
func StrongPassword(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if n := len([]rune(s)); n < 12 || n > 128 {
		return false
	}
	var upper, lower, digit, special bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	return upper && lower && digit && special
}
