// Package validation checks account request fields before any workflow is
// started. Validation is pure: it never touches the store or the network.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pitabwire/grantflow/model"
)

// Field error codes.
const (
	CodeRequired  = "REQUIRED"
	CodeTooShort  = "TOO_SHORT"
	CodeTooLong   = "TOO_LONG"
	CodeCharset   = "INVALID_CHARACTERS"
	CodeMalformed = "MALFORMED"
)

const (
	principalMin        = 3
	principalMax        = 50
	identifierMax       = 128
	justificationMin    = 10
	justificationMax    = 2000
	requestorAddressMax = 254
)

var (
	principalPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Validator checks and normalizes account request fields.
type Validator struct {
	defaultRole string
}

// NewValidator creates a Validator. defaultRole is used when a request does
// not name a role.
func NewValidator(defaultRole string) *Validator {
	return &Validator{defaultRole: defaultRole}
}

// Validate returns the normalized fields, or every rule violation found.
// It never stops at the first error.
func (v *Validator) Validate(in model.RequestFields) (model.RequestFields, []model.FieldError) {
	out := model.RequestFields{
		PrincipalName:    strings.TrimSpace(in.PrincipalName),
		ServerName:       strings.TrimSpace(in.ServerName),
		DatabaseName:     strings.TrimSpace(in.DatabaseName),
		RoleName:         strings.TrimSpace(in.RoleName),
		RequestorAddress: strings.TrimSpace(in.RequestorAddress),
		Justification:    strings.TrimSpace(in.Justification),
	}
	if out.RoleName == "" {
		out.RoleName = v.defaultRole
	}

	var errs []model.FieldError
	errs = append(errs, checkPrincipal(out.PrincipalName)...)
	errs = append(errs, checkIdentifier("server_name", out.ServerName, true)...)
	errs = append(errs, checkIdentifier("database_name", out.DatabaseName, true)...)
	errs = append(errs, checkRole(out.RoleName)...)
	errs = append(errs, checkRequestor(out.RequestorAddress)...)
	errs = append(errs, checkJustification(out.Justification)...)

	return out, errs
}

// ValidateRequest is Validate wrapped as an error, for callers that only
// need pass/fail.
func (v *Validator) ValidateRequest(in model.RequestFields) (model.RequestFields, error) {
	out, errs := v.Validate(in)
	if len(errs) > 0 {
		return out, model.NewValidationError(errs)
	}
	return out, nil
}

func checkPrincipal(name string) []model.FieldError {
	const field = "principal_name"
	if name == "" {
		return []model.FieldError{required(field)}
	}
	var errs []model.FieldError
	n := utf8.RuneCountInString(name)
	if n < principalMin {
		errs = append(errs, fieldErr(field, CodeTooShort,
			fmt.Sprintf("must be at least %d characters", principalMin)))
	}
	if n > principalMax {
		errs = append(errs, fieldErr(field, CodeTooLong,
			fmt.Sprintf("must be at most %d characters", principalMax)))
	}
	if !principalPattern.MatchString(name) {
		errs = append(errs, fieldErr(field, CodeCharset,
			"may only contain letters, digits, underscore and hyphen"))
	}
	return errs
}

func checkIdentifier(field, value string, mandatory bool) []model.FieldError {
	if value == "" {
		if mandatory {
			return []model.FieldError{required(field)}
		}
		return nil
	}
	var errs []model.FieldError
	if utf8.RuneCountInString(value) > identifierMax {
		errs = append(errs, fieldErr(field, CodeTooLong,
			fmt.Sprintf("must be at most %d characters", identifierMax)))
	}
	if !identifierPattern.MatchString(value) {
		errs = append(errs, fieldErr(field, CodeCharset,
			"may only contain letters, digits, underscore, hyphen and dot"))
	}
	return errs
}

func checkRole(role string) []model.FieldError {
	const field = "role_name"
	if role == "" {
		return []model.FieldError{required(field)}
	}
	var errs []model.FieldError
	if utf8.RuneCountInString(role) > identifierMax {
		errs = append(errs, fieldErr(field, CodeTooLong,
			fmt.Sprintf("must be at most %d characters", identifierMax)))
	}
	if !principalPattern.MatchString(role) {
		errs = append(errs, fieldErr(field, CodeCharset,
			"may only contain letters, digits, underscore and hyphen"))
	}
	return errs
}

func checkRequestor(addr string) []model.FieldError {
	const field = "requestor_address"
	if addr == "" {
		return []model.FieldError{required(field)}
	}
	if len(addr) > requestorAddressMax {
		return []model.FieldError{fieldErr(field, CodeTooLong,
			fmt.Sprintf("must be at most %d characters", requestorAddressMax))}
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr || !strings.Contains(addr[strings.LastIndex(addr, "@")+1:], ".") {
		return []model.FieldError{fieldErr(field, CodeMalformed, "must be a valid e-mail address")}
	}
	return nil
}

func checkJustification(text string) []model.FieldError {
	const field = "justification"
	if text == "" {
		return []model.FieldError{required(field)}
	}
	n := utf8.RuneCountInString(text)
	if n < justificationMin {
		return []model.FieldError{fieldErr(field, CodeTooShort,
			fmt.Sprintf("must be at least %d characters", justificationMin))}
	}
	if n > justificationMax {
		return []model.FieldError{fieldErr(field, CodeTooLong,
			fmt.Sprintf("must be at most %d characters", justificationMax))}
	}
	return nil
}

func required(field string) model.FieldError {
	return fieldErr(field, CodeRequired, field+" is required")
}

func fieldErr(field, code, msg string) model.FieldError {
	return model.FieldError{Field: field, Code: code, Message: msg}
}
