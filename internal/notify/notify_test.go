package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/notify"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/mockfoundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func failedReport(entities int) controller.RunReport {
	r := controller.RunReport{
		RunID:       "run-1",
		Layer:       schema.LayerBronze,
		Group:       "claims",
		Status:      controller.StatusFailed,
		State:       controller.StateFailed,
		FailureKind: core.KindThresholdExceeded,
		FailureText: "rejected 9 of 10 rows, dsn postgres://etl:hunter2@db/warehouse",
		StartedAt:   started,
		FinishedAt:  started.Add(1500 * time.Millisecond),
	}
	for i := 0; i < entities; i++ {
		s := controller.StageReport{Stage: controller.StateValidating, Entity: fmt.Sprintf("e%d", i), Status: controller.StatusFailed, Detail: "threshold exceeded"}
		for j := 0; j < 5; j++ {
			s.Rejections = append(s.Rejections, core.RowError{Kind: core.KindTypeCastFailure, Row: j, Column: "clm_pmt_amt"})
		}
		r.Stages = append(r.Stages, s)
	}
	r.Stages = append(r.Stages, controller.StageReport{Stage: controller.StateMerging, Status: controller.StatusSkipped})
	return r
}

func TestNewMessage_BoundsFailureDetail(t *testing.T) {
	t.Parallel()

	m := notify.NewMessage(failedReport(7))
	if len(m.Failed) != notify.MaxFailedEntities || m.MoreFailed != 2 {
		t.Fatalf("failed=%d more=%d", len(m.Failed), m.MoreFailed)
	}
	for _, f := range m.Failed {
		if len(f.Errors) != notify.MaxErrorsPerEntity {
			t.Fatalf("entity %s carries %d errors", f.Entity, len(f.Errors))
		}
	}
	if strings.Contains(m.Failure, "hunter2") {
		t.Fatalf("failure text not redacted: %q", m.Failure)
	}
	if m.DurationMS != 1500 {
		t.Fatalf("duration=%d", m.DurationMS)
	}

	text := m.Text()
	for _, want := range []string{"Claims warehouse bronze/claims FAILED", "Failed entities: 7", "... and 2 more entities failed", "Entity: e0 (validating)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text missing %q:\n%s", want, text)
		}
	}
}

func TestNewMessage_CompletedRun(t *testing.T) {
	t.Parallel()

	m := notify.NewMessage(controller.RunReport{RunID: "run-2", Layer: schema.LayerGold, Group: "pharmacy", Status: controller.StatusCompleted, State: controller.StateCompleted})
	if len(m.Failed) != 0 || m.FailureKind != "" {
		t.Fatalf("unexpected failure detail: %#v", m)
	}
	if strings.Contains(m.Text(), "Failed entities") {
		t.Fatalf("completed run text mentions failures:\n%s", m.Text())
	}
}

func TestPubSubMessage(t *testing.T) {
	t.Parallel()

	msg, err := notify.PubSubMessage(failedReport(1))
	if err != nil {
		t.Fatalf("PubSubMessage: %v", err)
	}
	if msg.Attributes["status"] != "failed" || msg.Attributes["group"] != "claims" || msg.Attributes["layer"] != "bronze" {
		t.Fatalf("attributes: %v", msg.Attributes)
	}
	var decoded notify.Message
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("data is not a message: %v", err)
	}
	if decoded.RunID != "run-1" || len(decoded.Failed) != 1 {
		t.Fatalf("decoded: %#v", decoded)
	}
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := notify.Log{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), failedReport(2)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["level"] != "ERROR" || line["run_id"] != "run-1" || line["failed_entities"] != float64(2) {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestFoundryStreamNotifier(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("", "")
	const rid = "ri.foundry.main.stream.notifications"
	srv.CreateStream(rid)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := foundry.NewClient(ts.URL+"/api", ts.URL+"/stream-proxy/api", "dummy-token", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	n := &notify.FoundryStream{Client: client, StreamRID: rid}
	if err := n.Notify(context.Background(), failedReport(1)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	recs := srv.StreamRecords(rid)
	if len(recs) != 1 {
		t.Fatalf("records=%d want 1", len(recs))
	}
	if recs[0]["status"] != "failed" || recs[0]["subject"] != "Claims warehouse bronze/claims FAILED" {
		t.Fatalf("record: %v", recs[0])
	}
}
