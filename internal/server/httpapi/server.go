// Package httpapi exposes a syncstore.Store over HTTP.
//
// Every account route starts with /{userid} and requires a bearer token
// issued for that user.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/server/auth"
	"github.com/dmitrijs2005/syncstore/internal/server/endpoints"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

// MaxItemsPerRequest bounds the item list of one POST.
const MaxItemsPerRequest = syncstore.MaxItemsPerBatch

// maxBodyBytes caps request bodies: a full batch of maximum size payloads
// plus JSON overhead.
const maxBodyBytes = MaxItemsPerRequest * (syncstore.MaxPayloadBytes + 1024)

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	store     syncstore.Store
	endpoints *endpoints.Registry
	secret    []byte
	log       logging.Logger
}

// NewServer wires the handlers. Write retries are the store's concern; wrap
// it with syncstore.WithRetry before passing it in.
func NewServer(store syncstore.Store, reg *endpoints.Registry, secret []byte, log logging.Logger) *Server {
	return &Server{store: store, endpoints: reg, secret: secret, log: log}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /__heartbeat__", handleHeartbeat)

	mux.Handle("GET /{userid}/info/collections", s.authorize(s.handleGetCollections))
	mux.Handle("GET /{userid}/storage/{collection}", s.authorize(s.handleGetItems))
	mux.Handle("POST /{userid}/storage/{collection}", s.authorize(s.handleSetItems))
	mux.Handle("DELETE /{userid}/storage", s.authorize(s.handleDeleteUserData))
	mux.Handle("POST /{userid}/endpoint", s.authorize(s.handleAddEndpoint))
	mux.Handle("DELETE /{userid}/endpoint", s.authorize(s.handleDeleteEndpoint))
}

// Handler returns a mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type ctxKey struct{}

// userID returns the authenticated user stored by authorize.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// authorize admits requests whose bearer token names the path user.
func (s *Server) authorize(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "NoToken"})
			return
		}
		uid, err := auth.GetUserIDFromToken(token, s.secret)
		if err != nil {
			s.log.Debug(r.Context(), "token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if uid != r.PathValue("userid") {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "token does not match user"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrVersionMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, common.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidItem),
		errors.Is(err, common.ErrBatchTooLarge),
		errors.Is(err, common.ErrInvalidUserID),
		errors.Is(err, common.ErrInvalidCollection),
		errors.Is(err, common.ErrInvalidEndpoint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	switch {
	case errors.Is(err, common.ErrDataCorruption):
		s.log.Error(r.Context(), "data corruption", "op", op, "user", userID(r.Context()), "error", err)
	case status >= http.StatusInternalServerError:
		s.log.Error(r.Context(), "request failed", "op", op, "user", userID(r.Context()), "error", err)
	default:
		s.log.Debug(r.Context(), "request rejected", "op", op, "status", status, "error", err)
	}
	writeError(w, status, err)
}

func handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
