package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

const (
	maxTodoTitleLength       = 200
	maxTodoDescriptionLength = 2000
	dueDateLayout            = "2006-01-02"
)

type CreateTodoInput struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DueDate      string `json:"dueDate"`
	ExpectedTime string `json:"expectedTime"`
}

// UpdateTodoInput carries a partial update; absent fields stay as they are.
type UpdateTodoInput struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	DueDate      *string `json:"dueDate"`
	ExpectedTime *string `json:"expectedTime"`
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", validation("title", "title is required")
	}
	if utf8.RuneCountInString(title) > maxTodoTitleLength {
		return "", validation("title", fmt.Sprintf("title must be at most %d characters", maxTodoTitleLength))
	}
	return title, nil
}

func normalizeDescription(raw string) (string, error) {
	description := strings.TrimSpace(raw)
	if utf8.RuneCountInString(description) > maxTodoDescriptionLength {
		return "", validation("description", fmt.Sprintf("description must be at most %d characters", maxTodoDescriptionLength))
	}
	return description, nil
}

func normalizeDueDate(raw string) (string, error) {
	dueDate := strings.TrimSpace(raw)
	if _, err := time.Parse(dueDateLayout, dueDate); err != nil {
		return "", validation("dueDate", "dueDate must be formatted YYYY-MM-DD")
	}
	return dueDate, nil
}

func (in CreateTodoInput) normalize() (CreateTodoInput, error) {
	var err error
	if in.Title, err = normalizeTitle(in.Title); err != nil {
		return in, err
	}
	if in.Description, err = normalizeDescription(in.Description); err != nil {
		return in, err
	}
	if in.DueDate, err = normalizeDueDate(in.DueDate); err != nil {
		return in, err
	}
	in.ExpectedTime = strings.TrimSpace(in.ExpectedTime)
	return in, nil
}

func (in UpdateTodoInput) patch() (store.TodoPatch, error) {
	var patch store.TodoPatch
	if in.Title != nil {
		title, err := normalizeTitle(*in.Title)
		if err != nil {
			return patch, err
		}
		patch.Title = &title
	}
	if in.Description != nil {
		description, err := normalizeDescription(*in.Description)
		if err != nil {
			return patch, err
		}
		patch.Description = &description
	}
	if in.DueDate != nil {
		dueDate, err := normalizeDueDate(*in.DueDate)
		if err != nil {
			return patch, err
		}
		patch.DueDate = &dueDate
	}
	if in.ExpectedTime != nil {
		expected := strings.TrimSpace(*in.ExpectedTime)
		patch.ExpectedTime = &expected
	}
	if patch.Empty() {
		return patch, validation("body", "at least one of title, description, dueDate, expectedTime is required")
	}
	return patch, nil
}

func (s *Service) ListTodos(ctx context.Context, session Session, listID string) ([]store.Todo, error) {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionRead); err != nil {
		return nil, err
	}
	todos, err := s.store.ListTodos(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	return todos, nil
}

func (s *Service) CreateTodo(ctx context.Context, session Session, listID string, input CreateTodoInput) (store.Todo, error) {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionWrite); err != nil {
		return store.Todo{}, err
	}
	return s.insertTodo(ctx, listID, input)
}

// insertTodo assumes the caller already holds write access on listID.
func (s *Service) insertTodo(ctx context.Context, listID string, input CreateTodoInput) (store.Todo, error) {
	input, err := input.normalize()
	if err != nil {
		return store.Todo{}, err
	}
	now := s.now().UTC()
	todo := store.Todo{
		ID:            util.NewID("tdo"),
		ListID:        listID,
		Title:         input.Title,
		Description:   input.Description,
		DueDate:       input.DueDate,
		ExpectedTime:  input.ExpectedTime,
		AssigneeEmail: store.UnassignedEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertTodo(ctx, todo); err != nil {
		return store.Todo{}, fmt.Errorf("create todo: %w", err)
	}
	s.indexTodo(todo)
	return todo, nil
}

// todoForWrite loads a todo and checks write access on its parent list.
func (s *Service) todoForWrite(ctx context.Context, session Session, todoID string) (store.Todo, store.List, error) {
	todo, err := s.store.GetTodo(ctx, todoID)
	if err != nil {
		return store.Todo{}, store.List{}, missingAs(err, "todo not found")
	}
	list, _, err := s.authorize(ctx, session, todo.ListID, rbac.ActionWrite)
	if err != nil {
		return store.Todo{}, store.List{}, err
	}
	return todo, list, nil
}

func (s *Service) SetTodoCompleted(ctx context.Context, session Session, todoID string, completed bool) (store.Todo, error) {
	todo, _, err := s.todoForWrite(ctx, session, todoID)
	if err != nil {
		return store.Todo{}, err
	}
	if err := s.store.SetTodoCompleted(ctx, todoID, completed); err != nil {
		return store.Todo{}, fmt.Errorf("update todo completion: %w", err)
	}
	todo.Completed = completed
	todo.UpdatedAt = s.now().UTC()
	return todo, nil
}

func (s *Service) UpdateTodoDetails(ctx context.Context, session Session, todoID string, input UpdateTodoInput) (store.Todo, error) {
	todo, _, err := s.todoForWrite(ctx, session, todoID)
	if err != nil {
		return store.Todo{}, err
	}
	patch, err := input.patch()
	if err != nil {
		return store.Todo{}, err
	}
	if err := s.store.UpdateTodoDetails(ctx, todoID, patch); err != nil {
		return store.Todo{}, fmt.Errorf("update todo details: %w", err)
	}
	todo = patch.Apply(todo)
	todo.UpdatedAt = s.now().UTC()
	s.indexTodo(todo)
	return todo, nil
}

// AssignTodo sets the assignee to a participant's email. An empty address or
// the sentinel clears the assignment.
func (s *Service) AssignTodo(ctx context.Context, session Session, todoID, assignee string) (store.Todo, error) {
	todo, list, err := s.todoForWrite(ctx, session, todoID)
	if err != nil {
		return store.Todo{}, err
	}
	email := strings.TrimSpace(assignee)
	if email == "" || strings.EqualFold(email, store.UnassignedEmail) {
		email = store.UnassignedEmail
	} else {
		participant, ok := list.ParticipantByEmail(email)
		if !ok {
			return store.Todo{}, validation("assignee", "assignee must be a participant of the list")
		}
		email = participant.Email
	}
	if err := s.store.SetTodoAssignee(ctx, todoID, email); err != nil {
		return store.Todo{}, fmt.Errorf("assign todo: %w", err)
	}
	todo.AssigneeEmail = email
	todo.UpdatedAt = s.now().UTC()
	return todo, nil
}

func (s *Service) DeleteTodo(ctx context.Context, session Session, todoID string) error {
	if _, _, err := s.todoForWrite(ctx, session, todoID); err != nil {
		return err
	}
	if err := s.store.DeleteTodo(ctx, todoID); err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}
	s.unindexTodo(todoID)
	return nil
}

func (s *Service) indexTodo(todo store.Todo) {
	if s.search == nil {
		return
	}
	s.search.IndexTodo(search.TodoRecord{
		ID:          todo.ID,
		ListID:      todo.ListID,
		Title:       todo.Title,
		Description: todo.Description,
	})
}

func (s *Service) unindexTodo(todoID string) {
	if s.search != nil {
		s.search.DeleteTodo(todoID)
	}
}
