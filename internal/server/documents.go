package server

import (
	"mime"
	"net/http"

	"groundchat/internal/documents"
	"groundchat/internal/util"
	"groundchat/pkg/domain"
)

type registerDocumentRequest struct {
	Source      string `json:"source" validate:"required,max=2048"`
	Filename    string `json:"filename" validate:"max=255"`
	Description string `json:"description" validate:"max=2000"`
}

// handleCreateDocument accepts either a JSON reference to an existing blob
// or a multipart upload in the "file" field.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request, userID string) {
	var (
		doc domain.Document
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if perr := r.ParseMultipartForm(32 << 20); perr != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		file, header, ferr := r.FormFile("file")
		if ferr != nil {
			writeError(w, http.StatusBadRequest, "file is required (field: file)")
			return
		}
		defer file.Close()
		doc, err = s.docs.Upload(r.Context(), userID, header.Filename, file, header.Size, r.FormValue("description"))
	} else {
		var req registerDocumentRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		doc, err = s.docs.Register(r.Context(), userID, documents.RegisterRequest{
			Source:      req.Source,
			Filename:    req.Filename,
			Description: req.Description,
		})
	}
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("document not indexed", "document_id", doc.ID, "error", err)
		status, msg := statusFor(err)
		if doc.ID != "" {
			writeJSON(w, status, map[string]any{"error": msg, "document": doc})
			return
		}
		writeError(w, status, msg)
		return
	}
	status := http.StatusCreated
	if doc.Status == domain.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, userID string) {
	docs, err := s.docs.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request, userID string) {
	sources, err := s.docs.Sources(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": sources,
		"count": len(sources),
	})
}

type documentResponse struct {
	domain.Document
	DownloadURL string `json:"downloadUrl,omitempty"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	doc, err := s.docs.Get(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := documentResponse{Document: doc}
	if url, err := s.docs.DownloadURL(r.Context(), userID, id); err == nil {
		resp.DownloadURL = url
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := s.docs.Delete(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunks": n})
}
