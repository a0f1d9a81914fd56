package service

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/and161185/trustcore/internal/errs"
)

// MinPasswordLen is the password policy minimum.
const MinPasswordLen = 12

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,64}$`)

// normalizeEmail trims and lower-cases so uniqueness is case-insensitive.
func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func validateUsername(ve *errs.ValidationError, username string) {
	switch {
	case username == "":
		ve.Add("username", errs.RuleRequired)
	case !usernameRe.MatchString(username):
		ve.Add("username", errs.RuleUsernameFormat)
	}
}

func validateEmail(ve *errs.ValidationError, email string) {
	if email == "" {
		ve.Add("email", errs.RuleRequired)
		return
	}
	addr, err := mail.ParseAddress(email)
	// reject display-name forms such as "Bob <bob@x.org>"
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		ve.Add("email", errs.RuleEmailFormat)
	}
}

// validatePassword reports every policy rule the password breaks.
func validatePassword(ve *errs.ValidationError, field, password string) {
	if len([]rune(password)) < MinPasswordLen {
		ve.Add(field, errs.RulePasswordLength)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		ve.Add(field, errs.RulePasswordUpper)
	}
	if !lower {
		ve.Add(field, errs.RulePasswordLower)
	}
	if !digit {
		ve.Add(field, errs.RulePasswordDigit)
	}
}
