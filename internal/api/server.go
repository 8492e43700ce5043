// Package api serves the node's HTTP interface: replica management, file
// access, fetches and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"okufs/internal/discovery"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/pathkey"
	"okufs/internal/replica"
	okusync "okufs/internal/sync"
	"okufs/internal/ticket"
)

const (
	// fetchTimeout bounds a fetch started through the API.
	fetchTimeout = 5 * time.Minute

	// requestIDHeader carries the request id echoed in responses and logs.
	requestIDHeader = "X-Request-Id"
)

// Fetcher pulls replicas and files from the network.
type Fetcher interface {
	FetchFile(ctx context.Context, id ids.NamespaceID, path string) ([]byte, error)
	FetchReplica(ctx context.Context, t ticket.DocTicket, path string) error
	FetchReplicaByID(ctx context.Context, id ids.NamespaceID, path string) error
}

// Server is the HTTP API server.
type Server struct {
	addr     string         // addr is the HTTP listen address
	replicas *replica.Store // replicas serves local reads and writes
	fetcher  Fetcher        // fetcher pulls from peers; nil disables fetch routes
	server   *http.Server   // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, replicas *replica.Store, fetcher Fetcher) *Server {
	return &Server{
		addr:     addr,
		replicas: replicas,
		fetcher:  fetcher,
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /replicas", s.handleListReplicas)
	mux.HandleFunc("POST /replicas", s.handleCreateReplica)
	mux.HandleFunc("DELETE /replicas/{id}", s.handleDeleteReplica)
	mux.HandleFunc("GET /replicas/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /replicas/{id}/file", s.handleReadFile)
	mux.HandleFunc("PUT /replicas/{id}/file", s.handleWriteFile)
	mux.HandleFunc("DELETE /replicas/{id}/file", s.handleDeleteFile)
	mux.HandleFunc("POST /replicas/{id}/move", s.handleMove)
	mux.HandleFunc("GET /replicas/{id}/stats", s.handleReplicaStats)
	mux.HandleFunc("GET /replicas/{id}/ticket", s.handleShare)
	mux.HandleFunc("POST /replicas/{id}/fetch", s.handleFetchReplica)
	mux.HandleFunc("POST /tickets/fetch", s.handleFetchTicket)

	return withRequestID(mux)
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: fetchTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// withRequestID tags each request with an id, reusing the caller's if set.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)
		logger.Debug("http request", "id", id, "method", r.Method, "path", r.URL.Path)

		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Stats are the aggregate figures of one replica or of all replicas.
type Stats struct {
	Size   uint64 `json:"size"`   // Size is the total content length in bytes
	Oldest uint64 `json:"oldest"` // Oldest is the earliest entry timestamp, 0 when empty
	Newest uint64 `json:"newest"` // Newest is the latest entry timestamp, 0 when empty
}

// handleStats handles GET /stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var st Stats
	var err error

	if st.Size, err = s.replicas.Size(); err != nil {
		writeFailure(w, err)
		return
	}
	if st.Oldest, err = s.replicas.OldestTimestampAll(); err != nil {
		writeFailure(w, err)
		return
	}
	if st.Newest, err = s.replicas.NewestTimestampAll(); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleListReplicas handles GET /replicas requests.
func (s *Server) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	infos, err := s.replicas.List()
	if err != nil {
		writeFailure(w, err)
		return
	}

	if infos == nil {
		infos = []docs.ReplicaInfo{}
	}

	writeJSON(w, http.StatusOK, infos)
}

// handleCreateReplica handles POST /replicas requests.
func (s *Server) handleCreateReplica(w http.ResponseWriter, r *http.Request) {
	id, err := s.replicas.Create()
	if err != nil {
		writeFailure(w, err)
		return
	}

	logger.Info("replica created", "replica", id.FmtShort())

	writeJSON(w, http.StatusCreated, map[string]ids.NamespaceID{"id": id})
}

// handleDeleteReplica handles DELETE /replicas/{id} requests.
func (s *Server) handleDeleteReplica(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.replicas.Delete(id); err != nil {
		writeFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FileInfo describes one file of a listing.
type FileInfo struct {
	Path      string       `json:"path"`
	Hash      ids.Hash     `json:"hash"`
	Size      uint64       `json:"size"`
	Timestamp uint64       `json:"timestamp"`
	Author    ids.AuthorID `json:"author"`
}

// handleListFiles handles GET /replicas/{id}/files requests.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dir, err := parsePath(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.replicas.ListFiles(id, dir)
	if err != nil {
		writeFailure(w, err)
		return
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		p, err := pathkey.FromFileKey(e.Key)
		if err != nil {
			logger.Debug("skipping non-file key", "replica", id.FmtShort(), "error", err)
			continue
		}

		files = append(files, FileInfo{
			Path:      p,
			Hash:      e.Hash,
			Size:      e.Len,
			Timestamp: e.Timestamp,
			Author:    e.Author,
		})
	}

	writeJSON(w, http.StatusOK, files)
}

// handleReadFile handles GET /replicas/{id}/file requests. With fetch=true
// the file is pulled from the network first.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := parsePath(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var data []byte
	if fetch, _ := strconv.ParseBool(r.URL.Query().Get("fetch")); fetch && s.fetcher != nil {
		ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
		defer cancel()

		data, err = s.fetcher.FetchFile(ctx, id, p)
	} else {
		data, err = s.replicas.Read(id, p)
	}

	if err != nil {
		writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleWriteFile handles PUT /replicas/{id}/file requests.
func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := parsePath(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFileSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	hash, err := s.replicas.Write(id, p, body)
	if err != nil {
		writeFailure(w, err)
		return
	}

	logger.Debug("file written", "replica", id.FmtShort(), "path", p, "size", len(body))

	writeJSON(w, http.StatusOK, map[string]any{
		"hash": hash,
		"size": len(body),
	})
}

// handleDeleteFile handles DELETE /replicas/{id}/file requests. With
// recursive=true the path is deleted as a directory.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := parsePath(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var n int
	if recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive")); recursive {
		n, err = s.replicas.DeleteDirectory(id, p)
	} else {
		n, err = s.replicas.DeleteFile(id, p)
	}

	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleMove handles POST /replicas/{id}/move requests.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := id
	if req.ToReplica != nil {
		to = *req.ToReplica
	}

	if !req.Directory {
		move, err := s.replicas.MoveFile(id, req.From, to, req.To)
		if err != nil {
			writeFailure(w, err)
			return
		}

		writeJSON(w, http.StatusOK, move)
		return
	}

	move, err := s.replicas.MoveDirectory(id, req.From, to, req.To)
	if err != nil && len(move.Files) == 0 {
		writeFailure(w, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
		logger.Warn("directory move incomplete", "replica", id.FmtShort(), "from", req.From, "error", err)
	}

	writeJSON(w, status, move)
}

// handleReplicaStats handles GET /replicas/{id}/stats requests.
func (s *Server) handleReplicaStats(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dir, err := parsePath(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dir == "" {
		dir = "/"
	}

	var st Stats
	if st.Size, err = s.replicas.FolderSize(id, dir); err != nil {
		writeFailure(w, err)
		return
	}
	if st.Oldest, err = s.replicas.OldestTimestampInFolder(id, dir); err != nil {
		writeFailure(w, err)
		return
	}
	if st.Newest, err = s.replicas.NewestTimestampInFolder(id, dir); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// ShareResponse carries a replica ticket, or blob tickets when a path was given.
type ShareResponse struct {
	Ticket      string   `json:"ticket,omitempty"`
	BlobTickets []string `json:"blob_tickets,omitempty"`
	ContentSize uint64   `json:"content_size,omitempty"`
}

// handleShare handles GET /replicas/{id}/ticket requests.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := parsePath(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if p != "" {
		tickets, size, err := s.replicas.ShareFiles(id, p)
		if err != nil {
			writeFailure(w, err)
			return
		}

		resp := ShareResponse{ContentSize: size, BlobTickets: make([]string, 0, len(tickets))}
		for _, t := range tickets {
			resp.BlobTickets = append(resp.BlobTickets, t.String())
		}

		writeJSON(w, http.StatusOK, resp)
		return
	}

	mode := ticket.ShareRead
	if raw := r.URL.Query().Get("mode"); raw != "" {
		if mode, err = ticket.ParseShareMode(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	t, err := s.replicas.ShareReplica(id, mode)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ShareResponse{Ticket: t.String()})
}

// fetchRequest is the body of the fetch routes.
type fetchRequest struct {
	Ticket string `json:"ticket,omitempty"`
	Path   string `json:"path,omitempty"`
}

// handleFetchReplica handles POST /replicas/{id}/fetch requests.
func (s *Server) handleFetchReplica(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetching not available")
		return
	}

	id, err := parseNamespace(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := readFetchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
	defer cancel()

	if err := s.fetcher.FetchReplicaByID(ctx, id, req.Path); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]ids.NamespaceID{"id": id})
}

// handleFetchTicket handles POST /tickets/fetch requests.
func (s *Server) handleFetchTicket(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "fetching not available")
		return
	}

	req, err := readFetchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := ticket.ParseDocTicket(req.Ticket)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ticket: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
	defer cancel()

	if err := s.fetcher.FetchReplica(ctx, t, req.Path); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]ids.NamespaceID{"id": t.Capability.ID})
}

// readFetchRequest decodes an optional fetch body.
func readFetchRequest(r *http.Request) (fetchRequest, error) {
	var req fetchRequest
	if r.ContentLength == 0 {
		return req, nil
	}

	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}

	if req.Path != "" {
		if err := validatePath(req.Path); err != nil {
			return req, err
		}
		req.Path = pathkey.Normalize(req.Path)
	}

	return req, nil
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var cannotShare *ticket.CannotShareWriteableError
	var cannotSatisfy *discovery.CannotSatisfyRequestError

	switch {
	case errors.Is(err, replica.ErrNoReplica),
		errors.Is(err, replica.ErrNotFound),
		errors.Is(err, docs.ErrReplicaNotFound):
		return http.StatusNotFound
	case errors.Is(err, docs.ErrReadOnly), errors.As(err, &cannotShare):
		return http.StatusForbidden
	case errors.Is(err, okusync.ErrNoPeers), errors.As(err, &cannotSatisfy):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the status it maps to.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}

	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
