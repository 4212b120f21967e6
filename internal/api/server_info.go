package api

import (
	"net/http"
)

type ServerInfoHandler struct {
	serverName string
	baseURL    string
	uploadMax  int64
}

func NewServerInfoHandler(name string, baseURL string, uploadMax int64) *ServerInfoHandler {
	return &ServerInfoHandler{
		serverName: name,
		baseURL:    baseURL,
		uploadMax:  uploadMax,
	}
}

type ServerInfoResponse struct {
	Name           string `json:"name"`
	UploadMaxBytes int64  `json:"uploadMaxBytes"`
}

// GET /api/v1/server/info
func (h *ServerInfoHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ServerInfoResponse{
		Name:           h.serverName,
		UploadMaxBytes: h.uploadMax,
	})
}
