package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"lobby/internal/constants"
	"lobby/internal/db"
	"lobby/internal/mediaurl"
	"lobby/internal/models"
)

const defaultMessageHistoryLimit = 50

type MessageHandler struct {
	messages *db.MessageRepository
	baseURL  string
}

func NewMessageHandler(messages *db.MessageRepository, baseURL string) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		baseURL:  baseURL,
	}
}

func (h *MessageHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, beforeID, validationMessage, ok := parseHistoryQuery(r)
	if !ok {
		badRequest(w, validationMessage)
		return
	}

	messages, err := h.messages.GetHistory(beforeID, limit)
	if err != nil {
		internalError(w)
		return
	}

	for _, m := range messages {
		h.resolveAttachmentURLs(m)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// resolveAttachmentURLs fills in the URL of each attachment stub from its
// opaque blob id. The blob store itself is an external collaborator; this
// only builds the link, it does not validate that the blob exists.
func (h *MessageHandler) resolveAttachmentURLs(m *models.Message) {
	for i := range m.Attachments {
		m.Attachments[i].URL = mediaurl.Blob(h.baseURL, m.Attachments[i].ID)
	}
}

func parseHistoryQuery(r *http.Request) (int, string, string, bool) {
	limitStr := strings.TrimSpace(r.URL.Query().Get("limit"))
	beforeID := strings.TrimSpace(r.URL.Query().Get("before"))

	limit := defaultMessageHistoryLimit
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, "", "Query parameter 'limit' must be an integer", false
		}
		if parsedLimit <= 0 || parsedLimit > constants.MessageHistoryMaxLimit {
			return 0, "", fmt.Sprintf("Query parameter 'limit' must be between 1 and %d", constants.MessageHistoryMaxLimit), false
		}
		limit = parsedLimit
	}

	if beforeID != "" && !isValidMessageID(beforeID) {
		return 0, "", "Query parameter 'before' must be a valid message ID", false
	}

	return limit, beforeID, "", true
}

func isValidMessageID(id string) bool {
	if !strings.HasPrefix(id, "msg_") {
		return false
	}

	hexPart := strings.TrimPrefix(id, "msg_")
	if len(hexPart) != constants.IDRandomBytes*2 {
		return false
	}

	for _, r := range hexPart {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}

	return true
}
