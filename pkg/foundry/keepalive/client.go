package keepalive

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/version"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
)

type computeModuleJobEnvelope struct {
	ComputeModuleJobV1 Job `json:"computeModuleJobV1"`
}

// Job represents one internal compute-module job from Foundry runtime endpoints.
type Job struct {
	JobID                         string          `json:"jobId"`
	QueryType                     string          `json:"queryType"`
	Query                         json.RawMessage `json:"query"`
	TemporaryCredentialsAuthToken string          `json:"temporaryCredentialsAuthToken"`
	AuthHeader                    string          `json:"authHeader"`
}

// Handler runs one job. A non-nil error is reported back as the job result.
type Handler func(context.Context, Job) ([]byte, error)

// Config controls compute-module job polling.
type Config struct {
	GetJobURI       string
	PostResultURI   string
	ModuleAuthToken string
	DefaultCAPath   string

	// HTTPClient overrides the client built from DefaultCAPath.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// IdleWait is the pause after an empty poll. Defaults to 500ms.
	IdleWait time.Duration
}

// LoadConfigFromEnv reads GET_JOB_URI, POST_RESULT_URI, MODULE_AUTH_TOKEN and DEFAULT_CA_PATH.
// ok is false when the module is not running under the job runtime.
func LoadConfigFromEnv() (Config, bool, error) {
	getJob, err := normalizeLocalhostURI(os.Getenv("GET_JOB_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid GET_JOB_URI: %w", err)
	}
	postRes, err := normalizeLocalhostURI(os.Getenv("POST_RESULT_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid POST_RESULT_URI: %w", err)
	}
	if getJob == "" || postRes == "" {
		return Config{}, false, nil
	}

	modTok, err := readValueOrFile(os.Getenv("MODULE_AUTH_TOKEN"), "MODULE_AUTH_TOKEN")
	if err != nil {
		return Config{}, false, err
	}
	if modTok == "" {
		return Config{}, false, fmt.Errorf("MODULE_AUTH_TOKEN is required when GET_JOB_URI/POST_RESULT_URI are set")
	}

	caPath := strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH"))
	if caPath == "" {
		return Config{}, false, fmt.Errorf("DEFAULT_CA_PATH is required when GET_JOB_URI/POST_RESULT_URI are set")
	}

	return Config{
		GetJobURI:       getJob,
		PostResultURI:   postRes,
		ModuleAuthToken: modTok,
		DefaultCAPath:   caPath,
	}, true, nil
}

// normalizeLocalhostURI pins localhost to 127.0.0.1. The runtime sidecar binds IPv4 loopback
// only, and Go may resolve localhost to ::1 first.
func normalizeLocalhostURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "localhost" || host == "::1" {
		if port := strings.TrimSpace(u.Port()); port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String(), nil
}

// RunLoop polls for jobs, runs handle for each and posts its result, until ctx ends.
func RunLoop(ctx context.Context, cfg Config, handle Handler) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleWait
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		var err error
		if hc, err = newHTTPClient(cfg.DefaultCAPath); err != nil {
			return err
		}
	}

	logger.Info("compute module client enabled", "get_job_uri", cfg.GetJobURI)

	backoff := idle
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, err := getNextJob(ctx, hc, cfg.GetJobURI, cfg.ModuleAuthToken)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("get job failed", "err", redact.Error(err), "retry_in", backoff)
			if err := wait(ctx, backoff); err != nil {
				return err
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = idle
		if !ok {
			if err := wait(ctx, idle); err != nil {
				return err
			}
			continue
		}

		jobID := strings.TrimSpace(job.JobID)
		if jobID == "" {
			logger.Warn("received job without jobId; skipping")
			continue
		}

		logger.Info("job received", "job_id", jobID, "query_type", strings.TrimSpace(job.QueryType))
		result, jobErr := handle(ctx, job)
		if jobErr != nil {
			msg := redact.Error(jobErr)
			logger.Error("job failed", "job_id", jobID, "err", msg)
			if len(result) == 0 {
				result = []byte(msg)
			}
		} else if len(result) == 0 {
			result = []byte("ok")
		}

		for attempt := 0; ; attempt++ {
			err := postResult(ctx, hc, cfg.PostResultURI, cfg.ModuleAuthToken, jobID, result)
			if err == nil {
				break
			}
			logger.Warn("post result failed", "job_id", jobID, "attempt", attempt+1, "err", redact.Error(err))
			if attempt == 5 {
				break
			}
			if err := wait(ctx, time.Duration(attempt+1)*time.Second); err != nil {
				return err
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPClient(caPath string) (*http.Client, error) {
	b, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read DEFAULT_CA_PATH: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}, nil
}

func getNextJob(ctx context.Context, hc *http.Client, getJobURI, moduleAuthToken string) (Job, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getJobURI, nil)
	if err != nil {
		return Job{}, false, err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return Job{}, false, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, false, err
	}
	if resp.StatusCode/100 != 2 {
		return Job{}, false, fmt.Errorf("GET job: status=%d body=%s", resp.StatusCode, redact.Secrets(string(b)))
	}

	var env computeModuleJobEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Job{}, false, fmt.Errorf("parse GET job response: %w", err)
	}
	return env.ComputeModuleJobV1, true, nil
}

func postResult(ctx context.Context, hc *http.Client, postResultURI, moduleAuthToken, jobID string, result []byte) error {
	base := strings.TrimRight(strings.TrimSpace(postResultURI), "/")
	u := base + "/" + path.Clean("/" + jobID)[1:]

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(result))
	if err != nil {
		return err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST result: status=%d body=%s", resp.StatusCode, redact.Secrets(string(b)))
	}
	return nil
}

// readValueOrFile accepts either the value itself or a path to a file holding it.
func readValueOrFile(v string, varName string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if strings.ContainsAny(v, "\r\n") {
		return v, nil
	}
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", varName, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}
