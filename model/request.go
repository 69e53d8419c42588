package model

import "time"

// RequestFields is the raw, unvalidated input submitted at intake.
type RequestFields struct {
	PrincipalName    string `json:"principal_name"`
	ServerName       string `json:"server_name"`
	DatabaseName     string `json:"database_name"`
	RoleName         string `json:"role_name,omitempty"`
	RequestorAddress string `json:"requestor_address"`
	Justification    string `json:"justification"`
}

// AccountRequest is a request for database access. It is created once by
// intake; only the workflow engine changes its Status afterwards.
type AccountRequest struct {
	ID               string    `json:"id"`
	PrincipalName    string    `json:"principal_name"`
	ServerName       string    `json:"server_name"`
	DatabaseName     string    `json:"database_name"`
	RoleName         string    `json:"role_name"`
	RequestorAddress string    `json:"requestor_address"`
	Justification    string    `json:"justification"`
	RequestedAt      time.Time `json:"requested_at"`
	Status           Status    `json:"status"`
	WorkflowRef      string    `json:"workflow_ref"`
}

// Fields returns the submitted fields of the request.
func (r AccountRequest) Fields() RequestFields {
	return RequestFields{
		PrincipalName:    r.PrincipalName,
		ServerName:       r.ServerName,
		DatabaseName:     r.DatabaseName,
		RoleName:         r.RoleName,
		RequestorAddress: r.RequestorAddress,
		Justification:    r.Justification,
	}
}

// RequestFilters narrows ListRequests results. Zero values mean "no filter".
type RequestFilters struct {
	Status Status
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Match reports whether the request satisfies the filters, ignoring paging.
func (f RequestFilters) Match(r AccountRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && r.RequestedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.RequestedAt.Before(f.To) {
		return false
	}
	return true
}

// WorkflowHandle identifies the workflow instance driving a request.
type WorkflowHandle struct {
	RequestID   string `json:"request_id"`
	WorkflowRef string `json:"workflow_ref"`
}

// WorkflowRefFor returns the workflow reference for a request ID.
func WorkflowRefFor(requestID string) string {
	return "account-request/" + requestID
}
