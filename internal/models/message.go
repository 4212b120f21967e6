package models

import "time"

type Message struct {
	ID              string              `json:"id"`
	AuthorID        string              `json:"authorId"`
	AuthorName      string              `json:"authorName"`
	AuthorAvatarURL *string             `json:"authorAvatarUrl,omitempty"`
	Content         string              `json:"content"`
	Attachments     []MessageAttachment `json:"attachments,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	EditedAt        *time.Time          `json:"editedAt,omitempty"`
}

// MessageAttachment is an opaque blob reference: the id is minted by the
// external blob store and the URL is filled in by callers via internal/mediaurl.
type MessageAttachment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
