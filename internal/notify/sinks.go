package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
)

// Log writes every run as one structured line; failures at error level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, r controller.RunReport) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := NewMessage(r)
	attrs := []any{
		"run_id", m.RunID, "layer", m.Layer, "group", m.Group, "status", m.Status,
		"rejected", m.Rejected, "duration_ms", m.DurationMS,
	}
	if r.Failed() {
		attrs = append(attrs, "kind", m.FailureKind, "err", m.Failure, "failed_entities", len(m.Failed)+m.MoreFailed)
		logger.Error("run notification", attrs...)
		return nil
	}
	logger.Info("run notification", attrs...)
	return nil
}

// PubSubProjectID resolves the project the way Cloud Run and Cloud Functions expose it.
func PubSubProjectID() string {
	for _, k := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// PubSub publishes run messages to a topic.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	// FailuresOnly skips completed runs.
	FailuresOnly bool
}

// OpenPubSub connects with Application Default Credentials unless credentialsJSON is set.
func OpenPubSub(ctx context.Context, projectID, topic, credentialsJSON string) (*PubSub, error) {
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	if topic == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client (project_id=%s): %w", projectID, err)
	}
	return &PubSub{client: client, topic: client.Topic(topic)}, nil
}

// PubSubMessage builds the message published for a report.
func PubSubMessage(r controller.RunReport) (*pubsub.Message, error) {
	m := NewMessage(r)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":  m.RunID,
			"layer":   m.Layer,
			"group":   m.Group,
			"status":  m.Status,
			"subject": m.Subject(),
		},
	}, nil
}

// Notify publishes and waits for the server-assigned id.
func (p *PubSub) Notify(ctx context.Context, r controller.RunReport) error {
	if p.FailuresOnly && !r.Failed() {
		return nil
	}
	msg, err := PubSubMessage(r)
	if err != nil {
		return err
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish run %s: %w", r.RunID, err)
	}
	return nil
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// FoundryStream pushes run messages as JSON records onto a Foundry stream.
type FoundryStream struct {
	Client    *foundry.Client
	StreamRID string
	Branch    string
}

func (f *FoundryStream) Notify(ctx context.Context, r controller.RunReport) error {
	m := NewMessage(r)
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return err
	}
	record["subject"] = m.Subject()
	return f.Client.PublishStreamJSONRecord(ctx, f.StreamRID, f.Branch, record)
}
