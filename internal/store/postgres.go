package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession revokes a live refresh token and returns its user id.
// The conditional update lets only one concurrent caller win; the others get
// sql.ErrNoRows.
func (s *PostgresStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = NOW()
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("consume refresh session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ListListsForUser returns every list userID participates in, oldest first.
func (s *PostgresStore) ListListsForUser(ctx context.Context, userID string) ([]List, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.name, l.owner_id, l.created_at, l.updated_at
		FROM list_participants lp
		JOIN lists l ON l.id = lp.list_id
		WHERE lp.user_id = $1
		ORDER BY l.created_at, l.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	lists := make([]List, 0)
	index := map[string]int{}
	ids := make([]string, 0)
	for rows.Next() {
		var item List
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		item.Participants = []Participant{}
		index[item.ID] = len(lists)
		ids = append(ids, item.ID)
		lists = append(lists, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lists: %w", err)
	}
	if len(ids) == 0 {
		return lists, nil
	}

	prow, err := s.db.QueryContext(ctx, `
		SELECT lp.list_id, lp.user_id, u.email, u.display_name, lp.role, lp.added_at
		FROM list_participants lp
		JOIN users u ON u.id = lp.user_id
		WHERE lp.list_id = ANY($1)
		ORDER BY lp.position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer prow.Close()
	for prow.Next() {
		var listID string
		var p Participant
		if err := prow.Scan(&listID, &p.UserID, &p.Email, &p.DisplayName, &p.Role, &p.AddedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if i, ok := index[listID]; ok {
			lists[i].Participants = append(lists[i].Participants, p)
		}
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return lists, nil
}

func (s *PostgresStore) GetList(ctx context.Context, listID string) (List, error) {
	var item List
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at FROM lists WHERE id=$1
	`, listID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return List{}, fmt.Errorf("get list: %w", err)
	}
	participants, err := s.listParticipants(ctx, listID)
	if err != nil {
		return List{}, err
	}
	item.Participants = participants
	return item, nil
}

func (s *PostgresStore) listParticipants(ctx context.Context, listID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lp.user_id, u.email, u.display_name, lp.role, lp.added_at
		FROM list_participants lp
		JOIN users u ON u.id = lp.user_id
		WHERE lp.list_id = $1
		ORDER BY lp.position
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.Role, &p.AddedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// CreateList inserts the list and its owner participant (role editor) atomically.
func (s *PostgresStore) CreateList(ctx context.Context, list List) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create list: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lists (id, name, owner_id) VALUES ($1, $2, $3)
	`, list.ID, list.Name, list.OwnerID); err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO list_participants (list_id, user_id, role) VALUES ($1, $2, 'editor')
	`, list.ID, list.OwnerID); err != nil {
		return fmt.Errorf("insert owner participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create list: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameList(ctx context.Context, listID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lists SET name=$2, updated_at=NOW() WHERE id=$1`, listID, name)
	if err != nil {
		return fmt.Errorf("rename list: %w", err)
	}
	return requireRow(res)
}

// DeleteList removes the list; todos, messages and participants cascade.
func (s *PostgresStore) DeleteList(ctx context.Context, listID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) AddParticipant(ctx context.Context, listID, userID, role string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO list_participants (list_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (list_id, user_id) DO NOTHING
	`, listID, userID, role)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyParticipant
	}
	return s.touchList(ctx, s.db, listID)
}

func (s *PostgresStore) UpdateParticipantRole(ctx context.Context, listID, userID, role string) error {
	if err := updateParticipantRole(ctx, s.db, listID, userID, role); err != nil {
		return err
	}
	return s.touchList(ctx, s.db, listID)
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, listID, userID string) error {
	if err := removeParticipant(ctx, s.db, listID, userID); err != nil {
		return err
	}
	return s.touchList(ctx, s.db, listID)
}

// ApplyListEdit applies rename, role changes and removals in one transaction.
func (s *PostgresStore) ApplyListEdit(ctx context.Context, listID string, edit ListEdit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin list edit: %w", err)
	}
	defer tx.Rollback()

	if edit.Name != nil {
		res, err := tx.ExecContext(ctx, `UPDATE lists SET name=$2 WHERE id=$1`, listID, *edit.Name)
		if err != nil {
			return fmt.Errorf("rename list: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}
	for _, change := range edit.RoleChanges {
		if err := updateParticipantRole(ctx, tx, listID, change.UserID, change.Role); err != nil {
			return err
		}
	}
	for _, userID := range edit.Removals {
		if err := removeParticipant(ctx, tx, listID, userID); err != nil {
			return err
		}
	}
	if err := s.touchList(ctx, tx, listID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit list edit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// The owner row is never matched: owner_id guards keep it an editor.
func updateParticipantRole(ctx context.Context, db execer, listID, userID, role string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE list_participants lp SET role=$3
		FROM lists l
		WHERE l.id = lp.list_id AND lp.list_id=$1 AND lp.user_id=$2 AND lp.user_id <> l.owner_id
	`, listID, userID, role)
	if err != nil {
		return fmt.Errorf("update participant role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

func removeParticipant(ctx context.Context, db execer, listID, userID string) error {
	res, err := db.ExecContext(ctx, `
		DELETE FROM list_participants lp
		USING lists l
		WHERE l.id = lp.list_id AND lp.list_id=$1 AND lp.user_id=$2 AND lp.user_id <> l.owner_id
	`, listID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (s *PostgresStore) touchList(ctx context.Context, db execer, listID string) error {
	if _, err := db.ExecContext(ctx, `UPDATE lists SET updated_at=NOW() WHERE id=$1`, listID); err != nil {
		return fmt.Errorf("touch list: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTodos(ctx context.Context, listID string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, title, description, completed, due_date, expected_time, assignee_email, created_at, updated_at
		FROM todos
		WHERE list_id=$1
		ORDER BY created_at, id
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	items := make([]Todo, 0)
	for rows.Next() {
		item, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTodo(row rowScanner) (Todo, error) {
	var item Todo
	if err := row.Scan(&item.ID, &item.ListID, &item.Title, &item.Description, &item.Completed, &item.DueDate, &item.ExpectedTime, &item.AssigneeEmail, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Todo{}, fmt.Errorf("scan todo: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetTodo(ctx context.Context, todoID string) (Todo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, list_id, title, description, completed, due_date, expected_time, assignee_email, created_at, updated_at
		FROM todos WHERE id=$1
	`, todoID)
	return scanTodo(row)
}

func (s *PostgresStore) InsertTodo(ctx context.Context, todo Todo) error {
	assignee := todo.AssigneeEmail
	if assignee == "" {
		assignee = UnassignedEmail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todos (id, list_id, title, description, completed, due_date, expected_time, assignee_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, todo.ID, todo.ListID, todo.Title, todo.Description, todo.Completed, todo.DueDate, todo.ExpectedTime, assignee)
	if err != nil {
		return fmt.Errorf("insert todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTodoCompleted(ctx context.Context, todoID string, completed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE todos SET completed=$2, updated_at=NOW() WHERE id=$1`, todoID, completed)
	if err != nil {
		return fmt.Errorf("update todo completion: %w", err)
	}
	return requireRow(res)
}

// UpdateTodoDetails replaces only the non-nil fields of patch.
func (s *PostgresStore) UpdateTodoDetails(ctx context.Context, todoID string, patch TodoPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE todos SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			due_date = COALESCE($4, due_date),
			expected_time = COALESCE($5, expected_time),
			updated_at = NOW()
		WHERE id=$1
	`, todoID, patch.Title, patch.Description, patch.DueDate, patch.ExpectedTime)
	if err != nil {
		return fmt.Errorf("update todo details: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SetTodoAssignee(ctx context.Context, todoID, assigneeEmail string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE todos SET assignee_email=$2, updated_at=NOW() WHERE id=$1`, todoID, assigneeEmail)
	if err != nil {
		return fmt.Errorf("assign todo: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteTodo(ctx context.Context, todoID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM todos WHERE id=$1`, todoID)
	if err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListMessages(ctx context.Context, listID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.list_id, m.sender_id, COALESCE(u.display_name, ''), m.text, m.attachment_url, m.created_at, m.edited_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.list_id=$1
		ORDER BY m.created_at, m.id
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var editedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.ListID, &item.SenderID, &item.SenderName, &item.Text, &item.AttachmentURL, &item.CreatedAt, &editedAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if editedAt.Valid {
		t := editedAt.Time
		item.EditedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.list_id, m.sender_id, COALESCE(u.display_name, ''), m.text, m.attachment_url, m.created_at, m.edited_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id=$1
	`, messageID)
	return scanMessage(row)
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, list_id, sender_id, text, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, message.ID, message.ListID, message.SenderID, message.Text, message.AttachmentURL, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageText(ctx context.Context, messageID, text string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET text=$2, edited_at=$3 WHERE id=$1`, messageID, text, editedAt)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return requireRow(res)
}

// CountMessagesSince counts messages in listID from anyone but userID created after since.
func (s *PostgresStore) CountMessagesSince(ctx context.Context, listID, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE list_id=$1 AND sender_id <> $2 AND created_at > $3
	`, listID, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
