package foundry_test

import (
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
)

func TestHTTPError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *foundry.HTTPError
		timeout  bool
		notFound bool
		conflict string
	}{
		{name: "gateway timeout", err: &foundry.HTTPError{StatusCode: 504}, timeout: true},
		{name: "request timeout", err: &foundry.HTTPError{StatusCode: 408}, timeout: true},
		{name: "schema missing", err: &foundry.HTTPError{StatusCode: 404, ErrorName: "Datasets:SchemaNotFound"}, notFound: true},
		{name: "open transaction", err: &foundry.HTTPError{StatusCode: 409, ErrorName: "Datasets:OpenTransactionAlreadyExists"}, conflict: "OpenTransactionAlreadyExists"},
		{name: "server error", err: &foundry.HTTPError{StatusCode: 500}},
		{name: "nil", err: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Timeout(); got != tt.timeout {
				t.Fatalf("Timeout()=%v", got)
			}
			if got := tt.err.NotFound(); got != tt.notFound {
				t.Fatalf("NotFound()=%v", got)
			}
			if tt.conflict != "" && !tt.err.Conflict(tt.conflict) {
				t.Fatalf("Conflict(%q)=false", tt.conflict)
			}
			if tt.conflict == "" && tt.err.Conflict("OpenTransactionAlreadyExists") {
				t.Fatalf("unexpected conflict")
			}
		})
	}
}

func TestHTTPError_MessageOmitsBodyWhenConjure(t *testing.T) {
	t.Parallel()

	e := &foundry.HTTPError{Op: "readTable", Status: "404 Not Found", StatusCode: 404, ErrorName: "Datasets:DatasetNotFound"}
	msg := e.Error()
	if !strings.Contains(msg, "op=readTable") || !strings.Contains(msg, "errorName=Datasets:DatasetNotFound") || strings.Contains(msg, "body=") {
		t.Fatalf("message=%q", msg)
	}
}
