package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/imagvfx/grade/store"
)

// Handler returns the HTTP API of the server.
//
//	GET /api/status       pool status
//	GET /api/blobs/{key}  content of a blob
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/blobs/{key}", s.handleBlob).Methods("GET")
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := sonic.ConfigStd.Marshal(s.Farm.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	k, err := store.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := s.Store.Reader(k)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	if size, ok := s.Store.Size(k); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = io.Copy(w, f)
	if err != nil {
		log.Warn().Err(err).Str("key", k.Short()).Msg("serve blob")
	}
}
