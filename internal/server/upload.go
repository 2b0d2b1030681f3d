package server

import (
	"io"
	"net/http"
	"strconv"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

// maxUploadSize bounds a single artifact upload.
const maxUploadSize = 2 << 30

// uploadArtifact receives a worker's artifact PUT against a signed URL.
func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		s.fail(w, jerrors.AuthRequired("invalid upload signature"))
		return
	}
	if err := s.Artifacts.VerifyUpload(path, q.Get("signature"), expires); err != nil {
		s.fail(w, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		s.fail(w, jerrors.StorageUnavailable(err))
		return
	}
	if err := s.Artifacts.PutString(r.Context(), path, data); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusCreated)
}
