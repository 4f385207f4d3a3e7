package main

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	msgRequired      = "required"
	msgInvalidName   = "Invalid Name"
	msgInvalidMobile = "Invalid mobile number"
)

var (
	namePattern   = regexp.MustCompile(`^[a-zA-Z\s]+$`)
	mobilePattern = regexp.MustCompile(`^[0-9]{10}$`)

	emailValidator = validator.New()
)

// Rule checks one field value and returns the error text, or "" when the
// value passes.
type Rule func(value string) string

// RuleSet maps a field name to its ordered rules. The first failing rule
// decides the field's error.
type RuleSet map[string][]Rule

func Required(message string) Rule {
	return func(value string) string {
		if strings.TrimSpace(value) == "" {
			return message
		}
		return ""
	}
}

func Matches(pattern *regexp.Regexp, message string) Rule {
	return func(value string) string {
		if !pattern.MatchString(value) {
			return message
		}
		return ""
	}
}

// NamePattern accepts letters and whitespace only.
func NamePattern() Rule {
	return Matches(namePattern, msgInvalidName)
}

// MobilePattern accepts exactly ten digits.
func MobilePattern() Rule {
	return Matches(mobilePattern, msgInvalidMobile)
}

func Email(message string) Rule {
	return func(value string) string {
		if emailValidator.Var(value, "required,email") != nil {
			return message
		}
		return ""
	}
}

// MinLength counts characters, not bytes.
func MinLength(n int, message string) Rule {
	return func(value string) string {
		if utf8.RuneCountInString(value) < n {
			return message
		}
		return ""
	}
}

// ValidateField runs the rules registered for name against value.
func ValidateField(name, value string, rules RuleSet) string {
	for _, rule := range rules[name] {
		if msg := rule(value); msg != "" {
			return msg
		}
	}
	return ""
}

// Validate returns the failing fields only. A field missing from values is
// validated as the empty string.
func Validate(values map[string]string, rules RuleSet) map[string]string {
	errs := make(map[string]string)
	for name := range rules {
		if msg := ValidateField(name, values[name], rules); msg != "" {
			errs[name] = msg
		}
	}
	return errs
}
