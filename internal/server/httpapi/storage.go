package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

type itemsResponse struct {
	Version int64            `json:"version"`
	Items   []syncstore.Item `json:"items"`
}

type versionResponse struct {
	Version int64 `json:"version"`
}

var errBadVersionHeader = errors.New("version header must be a non-negative integer")

// versionHeader parses an optional X-If-*-Since-Version header.
func versionHeader(r *http.Request, name string) (*int64, error) {
	raw := r.Header.Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("%w: %s", errBadVersionHeader, name)
	}
	return &v, nil
}

func setVersion(w http.ResponseWriter, v int64) {
	w.Header().Set(common.LastModifiedVersionHeader, strconv.FormatInt(v, 10))
}

func (s *Server) handleGetCollections(w http.ResponseWriter, r *http.Request) {
	since, err := versionHeader(r, common.IfModifiedSinceVersionHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := s.store.GetCollections(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, "getCollections", err)
		return
	}
	setVersion(w, info.Version)
	if since != nil && info.Version <= *since {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	since, err := versionHeader(r, common.IfModifiedSinceVersionHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	var ids []string
	if q.Has("ids") {
		ids = strings.Split(q.Get("ids"), ",")
	}
	var newer *int64
	if q.Has("newer") {
		n, err := strconv.ParseInt(q.Get("newer"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "newer must be an integer"})
			return
		}
		newer = &n
	}

	col, err := s.store.GetItems(r.Context(), userID(r.Context()), r.PathValue("collection"))
	if err != nil {
		s.fail(w, r, "getItems", err)
		return
	}
	if col.Version == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown collection"})
		return
	}
	setVersion(w, col.Version)
	if since != nil && col.Version <= *since {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, itemsResponse{
		Version: col.Version,
		Items:   syncstore.Select(col.Items, ids, newer),
	})
}

func (s *Server) handleSetItems(w http.ResponseWriter, r *http.Request) {
	expected, err := versionHeader(r, common.IfUnmodifiedSinceVersionHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var list []syncstore.ItemUpdate
	if err := decodeJSON(r, &list); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(list) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no items"})
		return
	}
	if len(list) > MaxItemsPerRequest {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "too many items"})
		return
	}

	// Later entries for the same id win.
	items := make(map[string]syncstore.ItemUpdate, len(list))
	for _, it := range list {
		items[it.ID] = it
	}

	v, err := s.store.SetItems(r.Context(), userID(r.Context()), r.PathValue("collection"), items, expected)
	if err != nil {
		s.fail(w, r, "setItems", err)
		return
	}
	setVersion(w, v)
	writeJSON(w, http.StatusOK, versionResponse{Version: v})
}

func (s *Server) handleDeleteUserData(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUserData(r.Context(), userID(r.Context())); err != nil {
		s.fail(w, r, "deleteUserData", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
