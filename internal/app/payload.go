package app

import (
	"tandem/api/internal/store"
)

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

// listPayload includes the viewer's own effective role so clients can hide
// controls they cannot use.
func listPayload(list store.List, viewerID string) map[string]any {
	participants := make([]map[string]any, 0, len(list.Participants))
	for _, participant := range list.Participants {
		participants = append(participants, participantPayload(participant, list.OwnerID))
	}
	return map[string]any{
		"id":           list.ID,
		"name":         list.Name,
		"ownerId":      list.OwnerID,
		"participants": participants,
		"role":         string(roleOf(list, viewerID)),
		"createdAt":    list.CreatedAt,
		"updatedAt":    list.UpdatedAt,
	}
}

func participantPayload(participant store.Participant, ownerID string) map[string]any {
	return map[string]any{
		"userId":      participant.UserID,
		"email":       participant.Email,
		"displayName": participant.DisplayName,
		"role":        participant.Role,
		"isOwner":     ownerID != "" && participant.UserID == ownerID,
		"addedAt":     participant.AddedAt,
	}
}

func todoPayload(todo store.Todo) map[string]any {
	return map[string]any{
		"id":           todo.ID,
		"listId":       todo.ListID,
		"title":        todo.Title,
		"description":  todo.Description,
		"completed":    todo.Completed,
		"dueDate":      todo.DueDate,
		"expectedTime": todo.ExpectedTime,
		"assignee":     todo.AssigneeEmail,
		"createdAt":    todo.CreatedAt,
		"updatedAt":    todo.UpdatedAt,
	}
}

func messagePayload(message store.Message) map[string]any {
	var editedAt any
	if message.EditedAt != nil {
		editedAt = *message.EditedAt
	}
	return map[string]any{
		"id":            message.ID,
		"listId":        message.ListID,
		"senderId":      message.SenderID,
		"senderName":    message.SenderName,
		"text":          message.Text,
		"attachmentUrl": message.AttachmentURL,
		"createdAt":     message.CreatedAt,
		"editedAt":      editedAt,
	}
}
