// Package mockfoundry serves the subset of the Foundry dataset and stream-proxy APIs that
// pkg/foundry calls, backed by memory and a directory of committed files. It is used by tests and
// by cmd/mock-foundry for local end-to-end runs.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnID      string
	FilePath   string
	Bytes      []byte
}

type txnState struct {
	id         string
	datasetRID string
	typ        string
	status     string
	created    time.Time
	files      map[string][]byte
}

type datasetState struct {
	// view is the committed file set: SNAPSHOT commits replace it, APPEND commits add to it.
	view      map[string][]byte
	txns      []*txnState
	schema    []byte
	seeded    bool
	lastTable []byte
}

// Server implements a minimal Foundry-like API surface.
type Server struct {
	inputDir  string
	uploadDir string

	mu                    sync.Mutex
	calls                 []Call
	uploads               []Upload
	expectedAuthorization string
	nextTxn               int
	txns                  map[string]*txnState
	datasets              map[string]*datasetState
	streams               map[string][]map[string]any
}

// New constructs a mock server. Files under inputDir/<rid>/ seed that dataset's view, and
// inputDir/<rid>.csv answers readTable for datasets never written. Committed files are mirrored
// under uploadDir/<rid>/ for inspection. Either directory may be empty.
func New(inputDir, uploadDir string) *Server {
	return &Server{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		nextTxn:   1,
		txns:      make(map[string]*txnState),
		datasets:  make(map[string]*datasetState),
		streams:   make(map[string][]map[string]any),
	}
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// CreateStream registers rid as a stream so stream-proxy calls succeed for it.
func (s *Server) CreateStream(rid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[rid]; !ok {
		s.streams[rid] = []map[string]any{}
	}
}

// StreamRecords returns a copy of the records published to a stream.
func (s *Server) StreamRecords(rid string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.streams[rid]...)
}

// SetSchema installs the document getSchema returns for a dataset.
func (s *Server) SetSchema(rid string, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataset(rid).schema = append([]byte(nil), doc...)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/datasets/", s.handleDatasets)
	mux.HandleFunc("/stream-proxy/api/streams/", s.handleStreams)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

func (s *Server) dataset(rid string) *datasetState {
	ds, ok := s.datasets[rid]
	if !ok {
		ds = &datasetState{view: make(map[string][]byte)}
		s.datasets[rid] = ds
	}
	if !ds.seeded {
		ds.seeded = true
		s.seed(rid, ds)
	}
	return ds
}

func (s *Server) seed(rid string, ds *datasetState) {
	if s.inputDir == "" {
		return
	}
	root := filepath.Join(s.inputDir, rid)
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if b, err := os.ReadFile(p); err == nil {
			ds.view[filepath.ToSlash(rel)] = b
		}
		return nil
	})
}

func (s *Server) begin(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected != "" && r.Header.Get("Authorization") != expected {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": "00000000-0000-0000-0000-000000000000",
		"parameters":      map[string]any{},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v2/datasets/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || !isSafeToken(parts[0]) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	rid := parts[0]

	switch {
	case len(parts) == 3 && parts[1] == "branches" && r.Method == http.MethodGet:
		s.handleGetBranch(w, rid, parts[2])
	case len(parts) == 2 && parts[1] == "getSchema" && r.Method == http.MethodGet:
		s.handleGetSchema(w, rid)
	case len(parts) == 2 && parts[1] == "readTable" && r.Method == http.MethodGet:
		s.handleReadTable(w, rid)
	case len(parts) == 2 && parts[1] == "transactions" && r.Method == http.MethodPost:
		s.handleCreateTransaction(w, r, rid)
	case len(parts) == 2 && parts[1] == "transactions" && r.Method == http.MethodGet:
		s.handleListTransactions(w, rid)
	case len(parts) == 4 && parts[1] == "transactions" && parts[3] == "commit" && r.Method == http.MethodPost:
		s.handleCommit(w, rid, parts[2])
	case len(parts) == 2 && parts[1] == "files" && r.Method == http.MethodGet:
		s.handleListFiles(w, rid)
	case len(parts) >= 4 && parts[1] == "files" && parts[len(parts)-1] == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, rid, strings.Join(parts[2:len(parts)-1], "/"))
	case len(parts) >= 4 && parts[1] == "files" && parts[len(parts)-1] == "content" && r.Method == http.MethodGet:
		s.handleFileContent(w, rid, strings.Join(parts[2:len(parts)-1], "/"))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Default:NotFound")
	}
}

func (s *Server) lastCommitted(ds *datasetState) string {
	for i := len(ds.txns) - 1; i >= 0; i-- {
		if ds.txns[i].status == "COMMITTED" {
			return ds.txns[i].id
		}
	}
	return ""
}

// SeededTransactionRID is the branch head reported for a dataset that only has a seeded
// <rid>.csv table.
const SeededTransactionRID = "ri.foundry.main.transaction.seeded"

func (s *Server) handleGetBranch(w http.ResponseWriter, rid, branch string) {
	s.mu.Lock()
	txn := s.lastCommitted(s.dataset(rid))
	s.mu.Unlock()
	if txn == "" && s.inputDir != "" {
		if _, err := os.Stat(filepath.Join(s.inputDir, rid+".csv")); err == nil {
			txn = SeededTransactionRID
		}
	}
	writeJSON(w, map[string]string{"name": branch, "transactionRid": txn})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	doc := s.dataset(rid).schema
	s.mu.Unlock()
	if len(doc) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:SchemaNotFound")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) handleReadTable(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	head := s.dataset(rid).lastTable
	s.mu.Unlock()
	if len(head) == 0 && s.inputDir != "" {
		if b, err := os.ReadFile(filepath.Join(s.inputDir, rid+".csv")); err == nil {
			head = b
		}
	}
	if len(head) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(head)
}

type createTxnReq struct {
	TransactionType string `json:"transactionType"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, rid string) {
	var req createTxnReq
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &req)
	}
	typ := strings.ToUpper(strings.TrimSpace(req.TransactionType))
	if typ == "" {
		typ = "SNAPSHOT"
	}

	s.mu.Lock()
	ds := s.dataset(rid)
	for _, t := range ds.txns {
		if t.status == "OPEN" {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	txn := &txnState{
		id:         fmt.Sprintf("ri.foundry.main.transaction.%012d", s.nextTxn),
		datasetRID: rid,
		typ:        typ,
		status:     "OPEN",
		created:    time.Now().UTC(),
		files:      make(map[string][]byte),
	}
	s.nextTxn++
	s.txns[txn.id] = txn
	ds.txns = append(ds.txns, txn)
	s.mu.Unlock()

	writeJSON(w, map[string]string{
		"rid":             txn.id,
		"transactionType": typ,
		"status":          txn.status,
		"createdTime":     txn.created.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	ds := s.dataset(rid)
	data := make([]map[string]string, 0, len(ds.txns))
	for i := len(ds.txns) - 1; i >= 0; i-- {
		t := ds.txns[i]
		data = append(data, map[string]string{
			"rid":             t.id,
			"transactionType": t.typ,
			"status":          t.status,
			"createdTime":     t.created.Format(time.RFC3339Nano),
		})
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"data": data})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rid, filePath string) {
	if !isSafeFilePath(filePath) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	txnID := strings.TrimSpace(r.URL.Query().Get("transactionRid"))

	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.status != "OPEN" {
		writeError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.files[filePath] = b
	s.uploads = append(s.uploads, Upload{DatasetRID: rid, TxnID: txnID, FilePath: filePath, Bytes: b})
	writeJSON(w, map[string]string{"path": filePath, "transactionRid": txnID})
}

func (s *Server) handleCommit(w http.ResponseWriter, rid, txnID string) {
	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.status != "OPEN" {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	if len(txn.files) == 0 || (txn.typ == "SNAPSHOT" && len(txn.files) != 1) {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	ds := s.dataset(rid)
	if txn.typ == "SNAPSHOT" {
		ds.view = make(map[string][]byte, len(txn.files))
	}
	committed := make(map[string][]byte, len(txn.files))
	for p, b := range txn.files {
		ds.view[p] = b
		committed[p] = b
		ds.lastTable = b
	}
	txn.status = "COMMITTED"
	s.mu.Unlock()

	if err := s.mirror(rid, committed); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
		return
	}
	writeJSON(w, map[string]string{"rid": txnID, "status": "COMMITTED"})
}

// mirror writes committed files under uploadDir so a local run can be inspected on disk.
func (s *Server) mirror(rid string, files map[string][]byte) error {
	if s.uploadDir == "" {
		return nil
	}
	for p, b := range files {
		dst := filepath.Join(s.uploadDir, rid, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	ds := s.dataset(rid)
	paths := make([]string, 0, len(ds.view))
	for p := range ds.view {
		paths = append(paths, p)
	}
	sizes := make(map[string]int, len(paths))
	for _, p := range paths {
		sizes[p] = len(ds.view[p])
	}
	s.mu.Unlock()

	sort.Strings(paths)
	data := make([]map[string]string, 0, len(paths))
	for _, p := range paths {
		data = append(data, map[string]string{"path": p, "sizeBytes": fmt.Sprint(sizes[p])})
	}
	writeJSON(w, map[string]any{"data": data})
}

func (s *Server) handleFileContent(w http.ResponseWriter, rid, filePath string) {
	s.mu.Lock()
	b, ok := s.dataset(rid).view[path.Clean(filePath)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:FileNotFound")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	// streams/{rid}/branches/{branch}/{records|jsonRecord}
	rest := strings.TrimPrefix(r.URL.Path, "/stream-proxy/api/streams/")
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "branches" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Default:NotFound")
		return
	}
	rid := parts[0]

	s.mu.Lock()
	recs, ok := s.streams[rid]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Streams:StreamNotFound")
		return
	}

	switch {
	case parts[3] == "records" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"records": recs})
	case parts[3] == "jsonRecord" && r.Method == http.MethodPost:
		var rec map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
			return
		}
		s.mu.Lock()
		s.streams[rid] = append(s.streams[rid], rec)
		s.mu.Unlock()
		writeJSON(w, map[string]any{})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Default:NotFound")
	}
}

func isSafeToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\")
}

func isSafeFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
