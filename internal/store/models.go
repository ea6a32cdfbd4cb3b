package store

import (
	"errors"
	"strings"
	"time"
)

// UnassignedEmail is stored in todos.assignee_email when nobody is assigned.
const UnassignedEmail = "unassigned"

var (
	// ErrEmailTaken is returned by CreateUser when the email already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrAlreadyParticipant is returned by AddParticipant for a duplicate member.
	ErrAlreadyParticipant = errors.New("user is already a participant")
	// ErrNotParticipant is returned when a participant mutation matches no row.
	ErrNotParticipant = errors.New("user is not a participant")
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Participant struct {
	UserID      string
	Email       string
	DisplayName string
	Role        string
	AddedAt     time.Time
}

type List struct {
	ID           string
	Name         string
	OwnerID      string
	Participants []Participant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Participant returns the participant row for userID, if present.
func (l List) Participant(userID string) (Participant, bool) {
	for _, p := range l.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantByEmail matches case-insensitively on the participant's email.
func (l List) ParticipantByEmail(email string) (Participant, bool) {
	for _, p := range l.Participants {
		if strings.EqualFold(p.Email, email) {
			return p, true
		}
	}
	return Participant{}, false
}

type Todo struct {
	ID            string
	ListID        string
	Title         string
	Description   string
	Completed     bool
	DueDate       string
	ExpectedTime  string
	AssigneeEmail string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TodoPatch carries the subset of detail fields to replace; nil means unchanged.
type TodoPatch struct {
	Title        *string
	Description  *string
	DueDate      *string
	ExpectedTime *string
}

func (p TodoPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && p.ExpectedTime == nil
}

// Apply returns todo with the supplied fields replaced.
func (p TodoPatch) Apply(todo Todo) Todo {
	if p.Title != nil {
		todo.Title = *p.Title
	}
	if p.Description != nil {
		todo.Description = *p.Description
	}
	if p.DueDate != nil {
		todo.DueDate = *p.DueDate
	}
	if p.ExpectedTime != nil {
		todo.ExpectedTime = *p.ExpectedTime
	}
	return todo
}

type Message struct {
	ID            string
	ListID        string
	SenderID      string
	SenderName    string
	Text          string
	AttachmentURL string
	CreatedAt     time.Time
	EditedAt      *time.Time
}

type RoleChange struct {
	UserID string
	Role   string
}

// ListEdit is the owner's combined rename / re-role / remove change set.
type ListEdit struct {
	Name        *string
	RoleChanges []RoleChange
	Removals    []string
}
