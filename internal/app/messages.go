package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"tandem/api/internal/blob"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

const maxMessageLength = 4000

type SendMessageInput struct {
	Text          string `json:"text"`
	AttachmentURL string `json:"attachmentUrl"`
}

type UploadInput struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

func normalizeMessageText(raw string, hasAttachment bool) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" && !hasAttachment {
		return "", validation("text", "text is required")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return "", validation("text", fmt.Sprintf("text must be at most %d characters", maxMessageLength))
	}
	return text, nil
}

func normalizeAttachmentURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", validation("attachmentUrl", "attachmentUrl must be an http(s) URL")
	}
	return value, nil
}

// checkAttachmentURL accepts external http(s) URLs and objects uploaded to
// listID itself; another list's object is rejected.
func (s *Service) checkAttachmentURL(raw, listID string) (string, error) {
	attachment, err := normalizeAttachmentURL(raw)
	if err != nil || attachment == "" || s.blobs == nil {
		return attachment, err
	}
	if err := s.blobs.CheckURL(attachment, listID); err != nil && !errors.Is(err, blob.ErrForeignURL) {
		return "", validation("attachmentUrl", "attachmentUrl must be an attachment uploaded to this list")
	}
	return attachment, nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, listID string) ([]store.Message, error) {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionChat); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *Service) SendMessage(ctx context.Context, session Session, listID string, input SendMessageInput) (store.Message, error) {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionChat); err != nil {
		return store.Message{}, err
	}
	attachment, err := s.checkAttachmentURL(input.AttachmentURL, listID)
	if err != nil {
		return store.Message{}, err
	}
	text, err := normalizeMessageText(input.Text, attachment != "")
	if err != nil {
		return store.Message{}, err
	}

	message := store.Message{
		ID:            util.NewID("msg"),
		ListID:        listID,
		SenderID:      session.UserID,
		SenderName:    session.UserName,
		Text:          text,
		AttachmentURL: attachment,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.indexMessage(message)
	return message, nil
}

// messageForSender loads a message the caller sent to a list they can still chat in.
func (s *Service) messageForSender(ctx context.Context, session Session, messageID string) (store.Message, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, missingAs(err, "message not found")
	}
	if _, _, err := s.authorize(ctx, session, message.ListID, rbac.ActionChat); err != nil {
		return store.Message{}, err
	}
	if message.SenderID != session.UserID {
		s.metrics.AuthzDenied("sender")
		return store.Message{}, unauthorized("Only the sender can change this message")
	}
	return message, nil
}

func (s *Service) UpdateMessage(ctx context.Context, session Session, messageID, rawText string) (store.Message, error) {
	message, err := s.messageForSender(ctx, session, messageID)
	if err != nil {
		return store.Message{}, err
	}
	text, err := normalizeMessageText(rawText, message.AttachmentURL != "")
	if err != nil {
		return store.Message{}, err
	}
	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageText(ctx, messageID, text, editedAt); err != nil {
		return store.Message{}, fmt.Errorf("update message: %w", err)
	}
	message.Text = text
	message.EditedAt = &editedAt
	s.indexMessage(message)
	return message, nil
}

// DeleteMessage removes the record; a failed attachment cleanup does not undo it.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) error {
	message, err := s.messageForSender(ctx, session, messageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.unindexMessage(messageID)
	s.deleteAttachment(ctx, message)
	return nil
}

// UploadAttachment stores base64 content for a later SendMessage and returns its URL.
func (s *Service) UploadAttachment(ctx context.Context, session Session, listID string, input UploadInput) (string, error) {
	if s.blobs == nil {
		return "", unavailable("STORAGE_UNAVAILABLE", "Attachment storage not configured")
	}
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionChat); err != nil {
		return "", err
	}
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return "", validation("filename", "filename is required")
	}
	content, err := decodeBase64Content(input.Content)
	if err != nil {
		return "", validation("content", "content must be base64 encoded")
	}

	attachmentURL, err := s.blobs.Put(ctx, blob.Upload{
		ListID:      listID,
		ObjectID:    util.NewID("att"),
		Filename:    filename,
		ContentType: strings.TrimSpace(input.ContentType),
		Content:     content,
	})
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) || errors.Is(err, blob.ErrEmpty) {
			return "", validation("content", err.Error())
		}
		log.Error().Err(err).Str("list_id", listID).Msg("attachment upload failed")
		return "", externalFailure("blob upload")
	}
	return attachmentURL, nil
}

// decodeBase64Content accepts bare base64 or a data: URL.
func decodeBase64Content(raw string) ([]byte, error) {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "data:") {
		_, payload, ok := strings.Cut(value, ",")
		if !ok {
			return nil, errors.New("malformed data url")
		}
		value = payload
	}
	return base64.StdEncoding.DecodeString(value)
}

// MarkMessagesRead moves the caller's read cursor for listID to now.
func (s *Service) MarkMessagesRead(ctx context.Context, session Session, listID string) (time.Time, error) {
	if s.cursors == nil {
		return time.Time{}, unavailable("READ_STATE_UNAVAILABLE", "Read state not configured")
	}
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionChat); err != nil {
		return time.Time{}, err
	}
	at := s.now().UTC()
	if err := s.cursors.MarkRead(ctx, session.UserID, listID, at); err != nil {
		return time.Time{}, fmt.Errorf("mark read: %w", err)
	}
	return at, nil
}

// UnreadCount counts messages from others newer than the caller's cursor.
func (s *Service) UnreadCount(ctx context.Context, session Session, listID string) (int, time.Time, error) {
	if s.cursors == nil {
		return 0, time.Time{}, unavailable("READ_STATE_UNAVAILABLE", "Read state not configured")
	}
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionChat); err != nil {
		return 0, time.Time{}, err
	}
	since, err := s.cursors.LastRead(ctx, session.UserID, listID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("load read cursor: %w", err)
	}
	count, err := s.store.CountMessagesSince(ctx, listID, session.UserID, since)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, since, nil
}

// deleteAttachment removes the message's uploaded object once no remaining
// message of the list links to it. Only objects stored under the message's
// own list are touched.
func (s *Service) deleteAttachment(ctx context.Context, message store.Message) {
	if message.AttachmentURL == "" || s.blobs == nil {
		return
	}
	remaining, err := s.store.ListMessages(ctx, message.ListID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", message.ID).Msg("attachment cleanup skipped")
		return
	}
	for _, other := range remaining {
		if other.ID != message.ID && other.AttachmentURL == message.AttachmentURL {
			return
		}
	}
	err = s.blobs.DeleteURL(ctx, message.AttachmentURL, message.ListID)
	switch {
	case err == nil, errors.Is(err, blob.ErrForeignURL):
	case errors.Is(err, blob.ErrOtherList):
		log.Info().Str("message_id", message.ID).Str("list_id", message.ListID).Msg("attachment belongs to another list, left in place")
	default:
		log.Warn().Err(err).Str("message_id", message.ID).Msg("attachment cleanup failed")
	}
}

func (s *Service) indexMessage(message store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:       message.ID,
		ListID:   message.ListID,
		SenderID: message.SenderID,
		Text:     message.Text,
	})
}

func (s *Service) unindexMessage(messageID string) {
	if s.search != nil {
		s.search.DeleteMessage(messageID)
	}
}
