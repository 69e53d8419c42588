package notification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pitabwire/grantflow/model"
)

// templateData is the value every template is executed with.
type templateData struct {
	Request      model.AccountRequest
	ApproveURL   string
	RejectURL    string
	StatusURL    string
	Reminder     int
	MaxReminders int
	ExpiresAt    time.Time
	Approved     bool
	Status       model.Status
	Comments     string
}

var funcs = template.FuncMap{
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.UTC().Format("2006-01-02 15:04 MST")
	},
}

const approvalSubject = `Access request {{.Request.ID}}: {{.Request.PrincipalName}} on {{.Request.ServerName}}/{{.Request.DatabaseName}}`

const approvalBody = `A database access request needs your decision.

Principal:     {{.Request.PrincipalName}}
Server:        {{.Request.ServerName}}
Database:      {{.Request.DatabaseName}}
Role:          {{.Request.RoleName}}
Requested by:  {{.Request.RequestorAddress}}
Requested at:  {{when .Request.RequestedAt}}

Justification:
{{.Request.Justification}}

Approve: {{.ApproveURL}}
Reject:  {{.RejectURL}}

The request expires at {{when .ExpiresAt}} if no decision is made.
`

const reminderSubject = `Reminder {{.Reminder}}{{if .MaxReminders}}/{{.MaxReminders}}{{end}}: access request {{.Request.ID}} awaits your decision`

const reminderBody = `Access request {{.Request.ID}} is still waiting for a decision.

{{.Request.RequestorAddress}} asked for {{.Request.RoleName}} on {{.Request.ServerName}}/{{.Request.DatabaseName}} for {{.Request.PrincipalName}}.

Justification:
{{.Request.Justification}}

Approve: {{.ApproveURL}}
Reject:  {{.RejectURL}}

The request expires at {{when .ExpiresAt}}.
`

const outcomeSubject = `Access request {{.Request.ID}} {{if .Approved}}approved{{else}}rejected{{end}}`

const outcomeBody = `Your request for {{.Request.RoleName}} on {{.Request.ServerName}}/{{.Request.DatabaseName}} for {{.Request.PrincipalName}} was {{if .Approved}}approved{{else}}rejected{{end}}.
Final status: {{.Status}}
{{- with .Comments}}

Comments:
{{.}}
{{- end}}

Details: {{.StatusURL}}
`

// renderer holds the parsed templates.
type renderer struct {
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
}

func newRenderer() *renderer {
	r := &renderer{
		subjects: make(map[string]*template.Template),
		bodies:   make(map[string]*template.Template),
	}
	for kind, t := range map[string][2]string{
		KindApprovalRequest: {approvalSubject, approvalBody},
		KindReminder:        {reminderSubject, reminderBody},
		KindOutcome:         {outcomeSubject, outcomeBody},
	} {
		r.subjects[kind] = template.Must(template.New(kind + "_subject").Funcs(funcs).Parse(t[0]))
		r.bodies[kind] = template.Must(template.New(kind + "_body").Funcs(funcs).Parse(t[1]))
	}
	return r
}

func (r *renderer) render(kind string, data templateData) (subject, body string, err error) {
	st, ok := r.subjects[kind]
	if !ok {
		return "", "", fmt.Errorf("notification: no template for %q", kind)
	}
	var sb, bb bytes.Buffer
	if err := st.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("notification: render %s subject: %w", kind, err)
	}
	if err := r.bodies[kind].Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("notification: render %s body: %w", kind, err)
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}
