package foundry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/version"
)

// TransactionType is the Foundry dataset transaction kind.
type TransactionType string

const (
	TransactionSnapshot TransactionType = "SNAPSHOT"
	TransactionAppend   TransactionType = "APPEND"
)

const defaultBranch = "master"

// Client is a small HTTP client for the dataset and stream endpoints the warehouse needs:
// schema lookup, file listing and download, transactional upload, and stream publishing.
type Client struct {
	apiBaseURL    *url.URL
	streamBaseURL *url.URL
	token         string
	http          *http.Client
}

// NewClient constructs a client for Foundry service base URLs.
//
// apiGatewayURL should look like "https://<stack>.palantirfoundry.com/api".
// streamProxyURL should look like "https://<stack>.palantirfoundry.com/stream-proxy/api".
//
// defaultCAPath is optional and, when provided, will be used as the trust store for TLS.
func NewClient(apiGatewayURL, streamProxyURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	streamBase, err := parseBaseURL(streamProxyURL, "stream-proxy")
	if err != nil {
		return nil, err
	}

	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		apiBaseURL:    apiBase,
		streamBaseURL: streamBase,
		token:         strings.TrimSpace(token),
		http:          hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// ResolveReference treats the base as a directory only with a trailing slash.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(defaultCAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(defaultCAPath))
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// request describes one API call. Non-2xx responses become *HTTPError named after op.
type request struct {
	op          string
	method      string
	url         *url.URL
	body        []byte
	contentType string
	accept      string
}

func (c *Client) do(ctx context.Context, r request) ([]byte, int, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", version.UserAgent())
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode/100 != 2 {
		return b, resp.StatusCode, newHTTPError(r.op, resp, b)
	}
	return b, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, op string, u *url.URL, out any) error {
	b, _, err := c.do(ctx, request{op: op, method: http.MethodGet, url: u, accept: "application/json"})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s response: %w", op, err)
	}
	return nil
}

func branchOrDefault(branch string) string {
	if b := strings.TrimSpace(branch); b != "" {
		return b
	}
	return defaultBranch
}

type branchResponse struct {
	Name           string `json:"name"`
	TransactionRID string `json:"transactionRid"`
}

// GetBranchTransactionRID returns the most recent OPEN or COMMITTED transaction on the branch.
// Reads pinned to it see a consistent snapshot.
func (c *Client) GetBranchTransactionRID(ctx context.Context, datasetRID, branch string) (string, error) {
	datasetRID = strings.TrimSpace(datasetRID)
	if datasetRID == "" {
		return "", fmt.Errorf("dataset rid is required")
	}
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/branches/%s",
		url.PathEscape(datasetRID),
		url.PathEscape(branchOrDefault(branch)),
	))
	var out branchResponse
	if err := c.getJSON(ctx, "getBranch", u, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.TransactionRID), nil
}

// GetDatasetSchema returns the raw schema document of the dataset's branch. The body is handed to
// foundryio.ContractFromMetadataJSON as-is since its shape varies by stack.
func (c *Client) GetDatasetSchema(ctx context.Context, datasetRID, branch string) ([]byte, error) {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/getSchema", url.PathEscape(strings.TrimSpace(datasetRID))))
	q := url.Values{}
	q.Set("branchName", branchOrDefault(branch))
	q.Set("preview", "true")
	u.RawQuery = q.Encode()

	b, _, err := c.do(ctx, request{op: "getSchema", method: http.MethodGet, url: u, accept: "application/json"})
	return b, err
}

// ReadTableCSV reads the whole dataset as CSV, pinned to the branch's latest transaction.
func (c *Client) ReadTableCSV(ctx context.Context, datasetRID, branch string) ([]byte, error) {
	branch = branchOrDefault(branch)
	txnRID, err := c.GetBranchTransactionRID(ctx, datasetRID, branch)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("branchName", branch)
	if txnRID != "" {
		q.Set("startTransactionRid", txnRID)
		q.Set("endTransactionRid", txnRID)
	}
	q.Set("format", "CSV")
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/readTable", url.PathEscape(datasetRID)))
	u.RawQuery = q.Encode()

	b, _, err := c.do(ctx, request{op: "readTable", method: http.MethodGet, url: u, accept: "text/csv"})
	return b, err
}

// File is one entry of a dataset file listing.
type File struct {
	Path           string `json:"path"`
	TransactionRID string `json:"transactionRid"`
	SizeBytes      string `json:"sizeBytes,omitempty"`
	UpdatedTime    string `json:"updatedTime"`
}

type listFilesResponse struct {
	Data          []File `json:"data"`
	NextPageToken string `json:"nextPageToken"`
}

// ListFiles lists every file visible on the branch, following pagination.
func (c *Client) ListFiles(ctx context.Context, datasetRID, branch string) ([]File, error) {
	var out []File
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("branchName", branchOrDefault(branch))
		q.Set("pageSize", "1000")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/files", url.PathEscape(datasetRID)))
		u.RawQuery = q.Encode()

		var page listFilesResponse
		if err := c.getJSON(ctx, "listFiles", u, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		pageToken = strings.TrimSpace(page.NextPageToken)
		if pageToken == "" {
			return out, nil
		}
	}
}

// ReadFile downloads the content of one dataset file.
func (c *Client) ReadFile(ctx context.Context, datasetRID, branch, filePath string) ([]byte, error) {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/files/%s/content",
		url.PathEscape(datasetRID),
		escapeURLPath(filePath),
	))
	q := url.Values{}
	q.Set("branchName", branchOrDefault(branch))
	u.RawQuery = q.Encode()

	b, _, err := c.do(ctx, request{op: "getFileContent", method: http.MethodGet, url: u, accept: "application/octet-stream"})
	return b, err
}

func (c *Client) streamRecordsURL(streamRID, branch, suffix string) (*url.URL, error) {
	streamRID = strings.TrimSpace(streamRID)
	if streamRID == "" {
		return nil, fmt.Errorf("stream rid is required")
	}
	return c.resolveStream(fmt.Sprintf(
		"streams/%s/branches/%s/%s",
		url.PathEscape(streamRID),
		url.PathEscape(branchOrDefault(branch)),
		suffix,
	)), nil
}

// ProbeStream reports whether the RID is served by stream-proxy: true on 2xx, false on 404, and
// an error for anything else.
func (c *Client) ProbeStream(ctx context.Context, streamRID, branch string) (bool, error) {
	u, err := c.streamRecordsURL(streamRID, branch, "records")
	if err != nil {
		return false, err
	}
	_, status, err := c.do(ctx, request{op: "probeStream", method: http.MethodGet, url: u, accept: "application/json"})
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PublishStreamJSONRecord publishes one JSON object to a stream branch via stream-proxy.
func (c *Client) PublishStreamJSONRecord(ctx context.Context, streamRID, branch string, record map[string]any) error {
	u, err := c.streamRecordsURL(streamRID, branch, "jsonRecord")
	if err != nil {
		return err
	}
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, request{
		op:          "publishStreamJSONRecord",
		method:      http.MethodPost,
		url:         u,
		body:        b,
		contentType: "application/json",
		accept:      "application/json",
	})
	return err
}

type createTxnRequest struct {
	TransactionType TransactionType `json:"transactionType"`
}

type createTxnResponse struct {
	RID string `json:"rid"`
	// Older mocks answer with transactionId.
	TransactionID string `json:"transactionId"`
}

// CreateTransaction opens a transaction of the given type on the branch and returns its RID.
func (c *Client) CreateTransaction(ctx context.Context, datasetRID, branch string, typ TransactionType) (string, error) {
	if typ == "" {
		typ = TransactionSnapshot
	}
	b, err := json.Marshal(createTxnRequest{TransactionType: typ})
	if err != nil {
		return "", err
	}
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	if strings.TrimSpace(branch) != "" {
		q.Set("branchName", strings.TrimSpace(branch))
	}
	u.RawQuery = q.Encode()

	rb, _, err := c.do(ctx, request{
		op:          "createTransaction",
		method:      http.MethodPost,
		url:         u,
		body:        b,
		contentType: "application/json",
		accept:      "application/json",
	})
	if err != nil {
		return "", err
	}
	var out createTxnResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return "", fmt.Errorf("parse create transaction response: %w", err)
	}
	txnID := strings.TrimSpace(out.TransactionID)
	if txnID == "" {
		txnID = strings.TrimSpace(out.RID)
	}
	if txnID == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return txnID, nil
}

type Transaction struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists transactions for a dataset, newest first. The endpoint is preview-only.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if strings.TrimSpace(pageToken) != "" {
		q.Set("pageToken", strings.TrimSpace(pageToken))
	}
	u.RawQuery = q.Encode()

	var out listTxnsResponse
	if err := c.getJSON(ctx, "listTransactions", u, &out); err != nil {
		return nil, "", err
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the RID of the newest OPEN transaction, scanning at most five
// pages.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for i := 0; i < 5; i++ {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile uploads file bytes to a path inside an open transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnID, filePath string, contentType string, b []byte) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/files/%s/upload",
		url.PathEscape(datasetRID),
		escapeURLPath(filePath),
	))
	q := url.Values{}
	if strings.TrimSpace(txnID) != "" {
		q.Set("transactionRid", strings.TrimSpace(txnID))
	}
	u.RawQuery = q.Encode()
	if b == nil {
		b = []byte{}
	}
	_, _, err := c.do(ctx, request{op: "uploadFile", method: http.MethodPost, url: u, body: b, contentType: contentType})
	return err
}

// CommitTransaction commits a transaction.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnID string) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/transactions/%s/commit",
		url.PathEscape(datasetRID),
		url.PathEscape(txnID),
	))
	_, _, err := c.do(ctx, request{op: "commitTransaction", method: http.MethodPost, url: u, accept: "application/json"})
	return err
}

func (c *Client) resolveAPI(relPath string) *url.URL {
	rel := &url.URL{Path: strings.TrimPrefix(relPath, "/")}
	return c.apiBaseURL.ResolveReference(rel)
}

func (c *Client) resolveStream(relPath string) *url.URL {
	rel := &url.URL{Path: strings.TrimPrefix(relPath, "/")}
	return c.streamBaseURL.ResolveReference(rel)
}

// escapeURLPath escapes each segment of p and keeps the "/" separators.
func escapeURLPath(p string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "." || cleaned == "" {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
