// Package notify delivers finished layer runs to operators: a structured log line, a Google
// Pub/Sub topic or a Foundry stream.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
)

// Limits on how much failure detail a notification carries.
const (
	MaxFailedEntities  = 5
	MaxErrorsPerEntity = 3
)

// EntityFailure is one failed entity with its first errors.
type EntityFailure struct {
	Entity string   `json:"entity"`
	Stage  string   `json:"stage"`
	Errors []string `json:"errors"`
}

// Message is the payload every notifier publishes.
type Message struct {
	RunID       string          `json:"run_id"`
	Layer       string          `json:"layer"`
	Group       string          `json:"group"`
	Status      string          `json:"status"`
	State       string          `json:"state"`
	FailureKind string          `json:"failure_kind,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Rejected    int             `json:"rejected"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	DurationMS  int64           `json:"duration_ms"`
	Failed      []EntityFailure `json:"failed_entities,omitempty"`
	// MoreFailed counts failed entities beyond MaxFailedEntities.
	MoreFailed int `json:"more_failed,omitempty"`
}

// NewMessage summarizes a report. Failure text is scrubbed of credentials.
func NewMessage(r controller.RunReport) Message {
	m := Message{
		RunID:       r.RunID,
		Layer:       string(r.Layer),
		Group:       r.Group,
		Status:      string(r.Status),
		State:       string(r.State),
		FailureKind: string(r.FailureKind),
		Failure:     redact.Secrets(r.FailureText),
		Rejected:    r.Rejected(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DurationMS:  r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	for _, s := range r.Stages {
		if s.Status != controller.StatusFailed || s.Entity == "" {
			continue
		}
		if len(m.Failed) >= MaxFailedEntities {
			m.MoreFailed++
			continue
		}
		f := EntityFailure{Entity: s.Entity, Stage: string(s.Stage)}
		if s.Detail != "" {
			f.Errors = append(f.Errors, redact.Secrets(s.Detail))
		}
		for _, rej := range s.Rejections {
			if len(f.Errors) >= MaxErrorsPerEntity {
				break
			}
			f.Errors = append(f.Errors, redact.Secrets(rej.Error()))
		}
		m.Failed = append(m.Failed, f)
	}
	return m
}

// Subject is a one-line headline.
func (m Message) Subject() string {
	return fmt.Sprintf("Claims warehouse %s/%s %s", m.Layer, m.Group, strings.ToUpper(m.Status))
}

// Text renders the message for humans.
func (m Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nRun: %s\nState: %s\nDuration: %dms\nRejected rows: %d\n", m.Subject(), m.RunID, m.State, m.DurationMS, m.Rejected)
	if m.FailureKind != "" {
		fmt.Fprintf(&b, "Failure: %s: %s\n", m.FailureKind, m.Failure)
	}
	if len(m.Failed) > 0 {
		fmt.Fprintf(&b, "\nFailed entities: %d\n", len(m.Failed)+m.MoreFailed)
		for _, f := range m.Failed {
			fmt.Fprintf(&b, "\nEntity: %s (%s)\n", f.Entity, f.Stage)
			if len(f.Errors) > 0 {
				fmt.Fprintf(&b, "Errors: %s\n", strings.Join(f.Errors, ", "))
			}
		}
		if m.MoreFailed > 0 {
			fmt.Fprintf(&b, "\n... and %d more entities failed\n", m.MoreFailed)
		}
	}
	return b.String()
}
