package validation

import (
	"strings"
	"testing"

	"github.com/pitabwire/grantflow/model"
)

func validFields() model.RequestFields {
	return model.RequestFields{
		PrincipalName:    "svc_reporting",
		ServerName:       "pg-main.prod",
		DatabaseName:     "sales",
		RequestorAddress: "alice@example.com",
		Justification:    "Quarterly revenue dashboards need read access.",
	}
}

func codesFor(errs []model.FieldError, field string) []string {
	var codes []string
	for _, e := range errs {
		if e.Field == field {
			codes = append(codes, e.Code)
		}
	}
	return codes
}

func TestValidate_valid(t *testing.T) {
	v := NewValidator("db_datareader")
	out, errs := v.Validate(validFields())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if out.RoleName != "db_datareader" {
		t.Errorf("RoleName = %q, want default role", out.RoleName)
	}
}

func TestValidate_trimsWhitespace(t *testing.T) {
	in := validFields()
	in.PrincipalName = "  svc_reporting "
	in.RoleName = " analyst "

	out, errs := NewValidator("db_datareader").Validate(in)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if out.PrincipalName != "svc_reporting" {
		t.Errorf("PrincipalName = %q", out.PrincipalName)
	}
	if out.RoleName != "analyst" {
		t.Errorf("RoleName = %q", out.RoleName)
	}
}

func TestValidate_reportsEveryViolation(t *testing.T) {
	in := model.RequestFields{
		PrincipalName:    "a!",
		ServerName:       "",
		DatabaseName:     "sales db",
		RequestorAddress: "not-an-address",
		Justification:    "short",
	}
	_, errs := NewValidator("db_datareader").Validate(in)

	want := map[string][]string{
		"principal_name":    {CodeTooShort, CodeCharset},
		"server_name":       {CodeRequired},
		"database_name":     {CodeCharset},
		"requestor_address": {CodeMalformed},
		"justification":     {CodeTooShort},
	}
	for field, codes := range want {
		got := codesFor(errs, field)
		if strings.Join(got, ",") != strings.Join(codes, ",") {
			t.Errorf("%s codes = %v, want %v", field, got, codes)
		}
	}
	if len(errs) != 6 {
		t.Errorf("total errors = %d, want 6: %+v", len(errs), errs)
	}
}

func TestValidate_principalBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		value string
		codes []string
	}{
		{"min length", "abc", nil},
		{"max length", strings.Repeat("a", 50), nil},
		{"too short", "ab", []string{CodeTooShort}},
		{"too long", strings.Repeat("a", 51), []string{CodeTooLong}},
		{"hyphen and underscore", "svc-etl_01", nil},
		{"dot not allowed", "svc.etl", []string{CodeCharset}},
		{"empty", "", []string{CodeRequired}},
		{"whitespace only", "   ", []string{CodeRequired}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validFields()
			in.PrincipalName = tt.value
			_, errs := NewValidator("r").Validate(in)
			got := codesFor(errs, "principal_name")
			if strings.Join(got, ",") != strings.Join(tt.codes, ",") {
				t.Errorf("codes = %v, want %v", got, tt.codes)
			}
		})
	}
}

func TestValidate_justificationTrimmedBeforeLength(t *testing.T) {
	in := validFields()
	in.Justification = "   too short     "
	_, errs := NewValidator("r").Validate(in)
	if got := codesFor(errs, "justification"); len(got) != 1 || got[0] != CodeTooShort {
		t.Errorf("codes = %v", got)
	}
}

func TestValidate_requestorAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"alice@example.com", true},
		{"a.b+tag@sub.example.org", true},
		{"Alice <alice@example.com>", false},
		{"alice@localhost", false},
		{"alice", false},
		{"@example.com", false},
	}
	for _, tt := range tests {
		in := validFields()
		in.RequestorAddress = tt.addr
		_, errs := NewValidator("r").Validate(in)
		got := len(codesFor(errs, "requestor_address")) == 0
		if got != tt.valid {
			t.Errorf("address %q valid = %v, want %v", tt.addr, got, tt.valid)
		}
	}
}

func TestValidate_missingDefaultRole(t *testing.T) {
	_, errs := NewValidator("").Validate(validFields())
	if got := codesFor(errs, "role_name"); len(got) != 1 || got[0] != CodeRequired {
		t.Errorf("role codes = %v", got)
	}
}

func TestValidateRequest_returnsEnvelope(t *testing.T) {
	in := validFields()
	in.Justification = ""
	_, err := NewValidator("r").ValidateRequest(in)
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if env.Code != model.ErrValidationError {
		t.Errorf("Code = %q", env.Code)
	}
	if len(env.Details) != 1 || env.Details[0].Field != "justification" {
		t.Errorf("Details = %+v", env.Details)
	}
}
