package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"tandem/api/internal/authpw"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

const maxListNameLength = 120

type RoleChangeInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// EditListInput is the owner's combined change set; every part is optional.
type EditListInput struct {
	Name        *string           `json:"name"`
	RoleChanges []RoleChangeInput `json:"roleChanges"`
	Removals    []string          `json:"removals"`
}

func normalizeListName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", validation("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxListNameLength {
		return "", validation("name", fmt.Sprintf("name must be at most %d characters", maxListNameLength))
	}
	return name, nil
}

func (s *Service) ListUserLists(ctx context.Context, session Session) ([]store.List, error) {
	lists, err := s.store.ListListsForUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list user lists: %w", err)
	}
	return lists, nil
}

func (s *Service) GetList(ctx context.Context, session Session, listID string) (store.List, error) {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionRead)
	return list, err
}

func (s *Service) CreateList(ctx context.Context, session Session, rawName string) (store.List, error) {
	name, err := normalizeListName(rawName)
	if err != nil {
		return store.List{}, err
	}
	now := s.now().UTC()
	list := store.List{
		ID:      util.NewID("lst"),
		Name:    name,
		OwnerID: session.UserID,
		Participants: []store.Participant{{
			UserID:      session.UserID,
			Email:       session.Email,
			DisplayName: session.UserName,
			Role:        string(rbac.RoleEditor),
			AddedAt:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateList(ctx, list); err != nil {
		return store.List{}, fmt.Errorf("create list: %w", err)
	}
	return list, nil
}

func (s *Service) RenameList(ctx context.Context, session Session, listID, rawName string) (store.List, error) {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return store.List{}, err
	}
	name, err := normalizeListName(rawName)
	if err != nil {
		return store.List{}, err
	}
	if err := s.store.RenameList(ctx, listID, name); err != nil {
		return store.List{}, fmt.Errorf("rename list: %w", err)
	}
	list.Name = name
	return list, nil
}

// EditList validates the whole change set before applying any of it, then
// applies it in a single transaction.
func (s *Service) EditList(ctx context.Context, session Session, listID string, input EditListInput) (store.List, error) {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return store.List{}, err
	}

	edit := store.ListEdit{}
	if input.Name != nil {
		name, err := normalizeListName(*input.Name)
		if err != nil {
			return store.List{}, err
		}
		edit.Name = &name
	}

	touched := make(map[string]struct{}, len(input.RoleChanges)+len(input.Removals))
	for _, change := range input.RoleChanges {
		role, err := rbac.ParseParticipantRole(change.Role)
		if err != nil {
			return store.List{}, validation("roleChanges", err.Error())
		}
		if err := checkParticipantTarget(list, change.UserID, "roleChanges", touched); err != nil {
			return store.List{}, err
		}
		edit.RoleChanges = append(edit.RoleChanges, store.RoleChange{UserID: change.UserID, Role: string(role)})
	}
	for _, userID := range input.Removals {
		if err := checkParticipantTarget(list, userID, "removals", touched); err != nil {
			return store.List{}, err
		}
		edit.Removals = append(edit.Removals, userID)
	}
	if edit.Name == nil && len(edit.RoleChanges) == 0 && len(edit.Removals) == 0 {
		return store.List{}, validation("body", "nothing to change")
	}

	if err := s.store.ApplyListEdit(ctx, listID, edit); err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			return store.List{}, notFound("participant not found")
		}
		return store.List{}, fmt.Errorf("edit list: %w", err)
	}
	for _, userID := range edit.Removals {
		s.forgetCursor(ctx, userID, listID)
	}

	return s.store.GetList(ctx, listID)
}

// checkParticipantTarget rejects the owner, strangers and users named twice in one edit.
func checkParticipantTarget(list store.List, userID, field string, touched map[string]struct{}) error {
	if userID == list.OwnerID {
		return validation(field, "the owner's participation cannot be changed")
	}
	if _, ok := list.Participant(userID); !ok {
		return notFound("participant not found")
	}
	if _, dup := touched[userID]; dup {
		return validation(field, "a participant may appear only once per edit")
	}
	touched[userID] = struct{}{}
	return nil
}

// DeleteList removes the list together with its todos and messages.
// Attachments, search entries and read cursors are cleaned up best-effort.
func (s *Service) DeleteList(ctx context.Context, session Session, listID string) error {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return err
	}

	todos, err := s.store.ListTodos(ctx, listID)
	if err != nil {
		return fmt.Errorf("collect todos: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, listID)
	if err != nil {
		return fmt.Errorf("collect messages: %w", err)
	}

	if err := s.store.DeleteList(ctx, listID); err != nil {
		return fmt.Errorf("delete list: %w", err)
	}

	for _, todo := range todos {
		s.unindexTodo(todo.ID)
	}
	for _, message := range messages {
		s.unindexMessage(message.ID)
		s.deleteAttachment(ctx, message)
	}
	for _, participant := range list.Participants {
		s.forgetCursor(ctx, participant.UserID, listID)
	}
	log.Info().
		Str("list_id", listID).
		Int("todos", len(todos)).
		Int("messages", len(messages)).
		Msg("list deleted")
	return nil
}

// AddParticipant resolves email to a registered user and adds them with role.
func (s *Service) AddParticipant(ctx context.Context, session Session, listID, rawEmail, rawRole string) (store.Participant, error) {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return store.Participant{}, err
	}
	email, err := authpw.NormalizeEmail(rawEmail)
	if err != nil {
		return store.Participant{}, validation("email", err.Error())
	}
	role, err := rbac.ParseParticipantRole(rawRole)
	if err != nil {
		return store.Participant{}, validation("role", err.Error())
	}
	if _, ok := list.ParticipantByEmail(email); ok {
		return store.Participant{}, conflict("User is already a participant")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Participant{}, notFound("no user with that email")
		}
		log.Error().Err(err).Str("list_id", listID).Msg("identity lookup failed")
		return store.Participant{}, externalFailure("identity lookup")
	}

	if err := s.store.AddParticipant(ctx, listID, user.ID, string(role)); err != nil {
		if errors.Is(err, store.ErrAlreadyParticipant) {
			return store.Participant{}, conflict("User is already a participant")
		}
		return store.Participant{}, fmt.Errorf("add participant: %w", err)
	}

	s.sendInvitation(session, list, user.Email, string(role))

	return store.Participant{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(role),
		AddedAt:     s.now().UTC(),
	}, nil
}

func (s *Service) ChangeParticipantRole(ctx context.Context, session Session, listID, userID, rawRole string) error {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return err
	}
	role, err := rbac.ParseParticipantRole(rawRole)
	if err != nil {
		return validation("role", err.Error())
	}
	if userID == list.OwnerID {
		return validation("userId", "the owner's role cannot be changed")
	}
	if err := s.store.UpdateParticipantRole(ctx, listID, userID, string(role)); err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			return notFound("participant not found")
		}
		return fmt.Errorf("change participant role: %w", err)
	}
	return nil
}

func (s *Service) RemoveParticipant(ctx context.Context, session Session, listID, userID string) error {
	list, _, err := s.authorize(ctx, session, listID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if userID == list.OwnerID {
		return validation("userId", "the owner cannot be removed")
	}
	return s.removeParticipant(ctx, listID, userID)
}

// LeaveList removes the caller from a list they do not own.
func (s *Service) LeaveList(ctx context.Context, session Session, listID string) error {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionLeave); err != nil {
		return err
	}
	return s.removeParticipant(ctx, listID, session.UserID)
}

func (s *Service) removeParticipant(ctx context.Context, listID, userID string) error {
	if err := s.store.RemoveParticipant(ctx, listID, userID); err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			return notFound("participant not found")
		}
		return fmt.Errorf("remove participant: %w", err)
	}
	s.forgetCursor(ctx, userID, listID)
	return nil
}

func (s *Service) sendInvitation(session Session, list store.List, to, role string) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.SendInvitation(to, session.UserName, list.Name, list.ID, role); err != nil {
		log.Warn().Err(err).Str("list_id", list.ID).Msg("invitation email failed")
	}
}

func (s *Service) forgetCursor(ctx context.Context, userID, listID string) {
	if s.cursors == nil {
		return
	}
	if err := s.cursors.Forget(ctx, userID, listID); err != nil {
		log.Warn().Err(err).Str("list_id", listID).Str("user_id", userID).Msg("forget read cursor failed")
	}
}
