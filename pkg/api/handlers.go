package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png" // uploaded enrollment images
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/MrCodeEU/cortex/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/h2non/filetype"
)

// maxUploadSize bounds enrollment uploads.
const maxUploadSize = 16 << 20

const errInvalidRequestBody = "invalid request body"

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Debugf("Failed to write response: %v", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrEmptyName), errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, recognition.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNoCamera):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nameParam(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

type identitiesResponse struct {
	Names      []string                `json:"names"`
	Identities []pipeline.IdentityInfo `json:"identities"`
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, identitiesResponse{
		Names:      s.svc.ListIdentities(),
		Identities: s.svc.Identities(),
	})
}

type enrollResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	img, status, err := readImage(w, r)
	if err != nil {
		respondError(w, status, err.Error())
		return
	}

	s.enroll(w, func() (string, error) { return s.svc.Enroll(nameParam(r), img) })
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.enroll(w, func() (string, error) { return s.svc.EnrollFromCamera(nameParam(r)) })
}

func (s *Server) enroll(w http.ResponseWriter, fn func() (string, error)) {
	msg, err := fn()
	if err != nil {
		respondJSON(w, statusFor(err), enrollResponse{OK: false, Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusCreated, enrollResponse{OK: true, Message: msg})
}

// readImage accepts either a raw image body or a multipart form with an
// "image" field. Only JPEG and PNG are accepted.
func readImage(w http.ResponseWriter, r *http.Request) (image.Image, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	var src io.Reader = r.Body

	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, http.StatusBadRequest, errors.New("failed to parse multipart form")
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, http.StatusBadRequest, errors.New("multipart form requires an image field")
		}
		defer file.Close()
		src = file
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image too large")
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, errors.New("empty image")
	}

	kind, err := filetype.Match(data)
	if err != nil || (kind.MIME.Value != "image/jpeg" && kind.MIME.Value != "image/png") {
		return nil, http.StatusUnsupportedMediaType, errors.New("image must be JPEG or PNG")
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to decode image")
	}
	return img, http.StatusOK, nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.Delete(nameParam(r))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if !deleted {
		respondJSON(w, http.StatusNotFound, map[string]bool{"deleted": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, identitiesResponse{
		Names:      s.svc.ListIdentities(),
		Identities: s.svc.Identities(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.CurrentSnapshot())
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	img, err := s.svc.Frame()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode frame")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

type actuationRequest struct {
	Enabled *bool   `json:"enabled"`
	Target  *string `json:"target"`
}

func (s *Server) handleActuation(w http.ResponseWriter, r *http.Request) {
	var req actuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Enabled == nil && req.Target == nil {
		respondError(w, http.StatusBadRequest, "enabled or target is required")
		return
	}

	if req.Target != nil {
		s.svc.SetActuationTarget(*req.Target)
	}
	if req.Enabled != nil {
		s.svc.SetActuationEnabled(*req.Enabled)
	}
	respondJSON(w, http.StatusOK, s.svc.Status().Gate)
}

type actuationTestResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleActuationTest(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TestActuation(r.Context()); err != nil {
		respondJSON(w, http.StatusBadGateway, actuationTestResponse{OK: false, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, actuationTestResponse{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Status())
}
