package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lobby/internal/constants"
	"lobby/internal/models"
)

type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists a message. attachmentIDs are opaque blob identifiers
// minted by the (external, out-of-scope) blob store; this repository does
// not validate them, it only stores and returns them back.
func (r *MessageRepository) Create(authorID, content string, attachmentIDs []string) (*models.Message, error) {
	id, err := generateID("msg")
	if err != nil {
		return nil, fmt.Errorf("generating message ID: %w", err)
	}
	now := time.Now().UTC()

	encodedAttachments, err := encodeAttachmentIDs(attachmentIDs)
	if err != nil {
		return nil, fmt.Errorf("encoding attachment ids: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO messages (id, author_id, content, attachment_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, authorID, content, encodedAttachments, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	return &models.Message{
		ID:          id,
		AuthorID:    authorID,
		Content:     content,
		Attachments: attachmentStubs(attachmentIDs),
		CreatedAt:   now,
	}, nil
}

func (r *MessageRepository) GetHistory(beforeID string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > constants.MessageHistoryMaxLimit {
		limit = 50
	}

	query := `SELECT m.id, m.author_id, u.username, u.avatar_url, m.content, m.attachment_ids, m.created_at, m.edited_at
		FROM messages m
		LEFT JOIN users u ON m.author_id = u.id`
	var args []any

	if beforeID != "" {
		query += ` WHERE m.rowid < (SELECT rowid FROM messages WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		var editedAt sql.NullTime
		var encodedAttachments sql.NullString

		err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.AuthorAvatarURL, &m.Content, &encodedAttachments, &m.CreatedAt, &editedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		m.EditedAt = nullTimeToPtr(editedAt)
		ids, err := decodeAttachmentIDs(encodedAttachments)
		if err != nil {
			return nil, fmt.Errorf("decoding attachment ids: %w", err)
		}
		m.Attachments = attachmentStubs(ids)
		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

func (r *MessageRepository) FindByID(id string) (*models.Message, error) {
	var m models.Message
	var editedAt sql.NullTime
	var encodedAttachments sql.NullString

	err := r.db.QueryRow(
		`SELECT id, author_id, content, attachment_ids, created_at, edited_at FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.AuthorID, &m.Content, &encodedAttachments, &m.CreatedAt, &editedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	m.EditedAt = nullTimeToPtr(editedAt)
	ids, err := decodeAttachmentIDs(encodedAttachments)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment ids: %w", err)
	}
	m.Attachments = attachmentStubs(ids)

	return &m, nil
}

func encodeAttachmentIDs(ids []string) (*string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	encoded := string(raw)
	return &encoded, nil
}

func decodeAttachmentIDs(encoded sql.NullString) ([]string, error) {
	if !encoded.Valid || strings.TrimSpace(encoded.String) == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(encoded.String), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// attachmentStubs wraps bare attachment ids into MessageAttachment values.
// Name/mimetype/size/preview metadata lives in the external blob store and
// is not reproduced here; callers resolve URL via internal/mediaurl.
func attachmentStubs(ids []string) []models.MessageAttachment {
	if len(ids) == 0 {
		return nil
	}
	stubs := make([]models.MessageAttachment, 0, len(ids))
	for _, id := range ids {
		stubs = append(stubs, models.MessageAttachment{ID: id})
	}
	return stubs
}
