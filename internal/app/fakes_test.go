package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tandem/api/internal/blob"
	"tandem/api/internal/config"
	"tandem/api/internal/generate"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

type memParticipant struct {
	userID  string
	role    string
	addedAt time.Time
}

type memList struct {
	list         store.List
	participants []memParticipant
}

type memRefresh struct {
	userID    string
	expiresAt time.Time
}

// memStore is an in-memory DataStore that mirrors the Postgres guards.
type memStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	lists     map[string]*memList
	listOrder []string
	todos     []store.Todo
	messages  []store.Message
	refresh   map[string]memRefresh
	revoked   map[string]time.Time
	pingErr   error
	lookupErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]store.User),
		lists:   make(map[string]*memList),
		refresh: make(map[string]memRefresh),
		revoked: make(map[string]time.Time),
	}
}

func (m *memStore) addUser(id, email, name string) store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := store.User{ID: id, Email: email, DisplayName: name, CreatedAt: time.Now()}
	m.users[id] = user
	return user
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrEmailTaken
		}
	}
	user.CreatedAt = time.Now()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("get user: %w", sql.ErrNoRows)
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return store.User{}, m.lookupErr
	}
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, fmt.Errorf("get user by email: %w", sql.ErrNoRows)
}

func (m *memStore) SaveRefreshSession(_ context.Context, hash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[hash] = memRefresh{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) ConsumeRefreshSession(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[hash]
	if !ok || time.Now().After(rec.expiresAt) {
		return "", sql.ErrNoRows
	}
	delete(m.refresh, hash)
	return rec.userID, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, hash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = exp
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

// view decorates the stored list the way the Postgres join does.
func (m *memStore) view(ml *memList) store.List {
	list := ml.list
	list.Participants = make([]store.Participant, 0, len(ml.participants))
	for _, p := range ml.participants {
		user := m.users[p.userID]
		list.Participants = append(list.Participants, store.Participant{
			UserID:      p.userID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			Role:        p.role,
			AddedAt:     p.addedAt,
		})
	}
	return list
}

func (m *memStore) ListListsForUser(_ context.Context, userID string) ([]store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.List, 0)
	for _, id := range m.listOrder {
		ml := m.lists[id]
		for _, p := range ml.participants {
			if p.userID == userID {
				out = append(out, m.view(ml))
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) GetList(_ context.Context, id string) (store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[id]
	if !ok {
		return store.List{}, fmt.Errorf("get list: %w", sql.ErrNoRows)
	}
	return m.view(ml), nil
}

func (m *memStore) CreateList(_ context.Context, list store.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[list.ID]; ok {
		return errors.New("duplicate list id")
	}
	list.Participants = nil
	m.lists[list.ID] = &memList{
		list:         list,
		participants: []memParticipant{{userID: list.OwnerID, role: "editor", addedAt: time.Now()}},
	}
	m.listOrder = append(m.listOrder, list.ID)
	return nil
}

func (m *memStore) RenameList(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[id]
	if !ok {
		return sql.ErrNoRows
	}
	ml.list.Name = name
	return nil
}

func (m *memStore) DeleteList(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.lists, id)
	for i, lid := range m.listOrder {
		if lid == id {
			m.listOrder = append(m.listOrder[:i], m.listOrder[i+1:]...)
			break
		}
	}
	todos := m.todos[:0]
	for _, t := range m.todos {
		if t.ListID != id {
			todos = append(todos, t)
		}
	}
	m.todos = todos
	messages := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ListID != id {
			messages = append(messages, msg)
		}
	}
	m.messages = messages
	return nil
}

func (ml *memList) index(userID string) int {
	for i, p := range ml.participants {
		if p.userID == userID {
			return i
		}
	}
	return -1
}

func (m *memStore) AddParticipant(_ context.Context, listID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[listID]
	if !ok {
		return errors.New("foreign key violation")
	}
	if ml.index(userID) >= 0 {
		return store.ErrAlreadyParticipant
	}
	ml.participants = append(ml.participants, memParticipant{userID: userID, role: role, addedAt: time.Now()})
	return nil
}

func updateRole(ml *memList, userID, role string) error {
	i := ml.index(userID)
	if i < 0 || userID == ml.list.OwnerID {
		return store.ErrNotParticipant
	}
	ml.participants[i].role = role
	return nil
}

func removeMember(ml *memList, userID string) error {
	i := ml.index(userID)
	if i < 0 || userID == ml.list.OwnerID {
		return store.ErrNotParticipant
	}
	ml.participants = append(ml.participants[:i], ml.participants[i+1:]...)
	return nil
}

func (m *memStore) UpdateParticipantRole(_ context.Context, listID, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[listID]
	if !ok {
		return store.ErrNotParticipant
	}
	return updateRole(ml, userID, role)
}

func (m *memStore) RemoveParticipant(_ context.Context, listID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[listID]
	if !ok {
		return store.ErrNotParticipant
	}
	return removeMember(ml, userID)
}

// ApplyListEdit works on a copy so a failing step leaves the list untouched.
func (m *memStore) ApplyListEdit(_ context.Context, listID string, edit store.ListEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ml, ok := m.lists[listID]
	if !ok {
		return sql.ErrNoRows
	}
	draft := &memList{list: ml.list, participants: append([]memParticipant(nil), ml.participants...)}
	if edit.Name != nil {
		draft.list.Name = *edit.Name
	}
	for _, change := range edit.RoleChanges {
		if err := updateRole(draft, change.UserID, change.Role); err != nil {
			return err
		}
	}
	for _, userID := range edit.Removals {
		if err := removeMember(draft, userID); err != nil {
			return err
		}
	}
	m.lists[listID] = draft
	return nil
}

func (m *memStore) ListTodos(_ context.Context, listID string) ([]store.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Todo, 0)
	for _, t := range m.todos {
		if t.ListID == listID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) todoIndex(id string) int {
	for i, t := range m.todos {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (m *memStore) GetTodo(_ context.Context, id string) (store.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.todoIndex(id)
	if i < 0 {
		return store.Todo{}, fmt.Errorf("get todo: %w", sql.ErrNoRows)
	}
	return m.todos[i], nil
}

func (m *memStore) InsertTodo(_ context.Context, todo store.Todo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[todo.ListID]; !ok {
		return errors.New("foreign key violation")
	}
	if todo.AssigneeEmail == "" {
		todo.AssigneeEmail = store.UnassignedEmail
	}
	m.todos = append(m.todos, todo)
	return nil
}

func (m *memStore) mutateTodo(id string, fn func(*store.Todo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.todoIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	fn(&m.todos[i])
	return nil
}

func (m *memStore) SetTodoCompleted(_ context.Context, id string, completed bool) error {
	return m.mutateTodo(id, func(t *store.Todo) { t.Completed = completed })
}

func (m *memStore) UpdateTodoDetails(_ context.Context, id string, patch store.TodoPatch) error {
	return m.mutateTodo(id, func(t *store.Todo) { *t = patch.Apply(*t) })
}

func (m *memStore) SetTodoAssignee(_ context.Context, id, email string) error {
	return m.mutateTodo(id, func(t *store.Todo) { t.AssigneeEmail = email })
}

func (m *memStore) DeleteTodo(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.todoIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	m.todos = append(m.todos[:i], m.todos[i+1:]...)
	return nil
}

func (m *memStore) withSender(msg store.Message) store.Message {
	msg.SenderName = m.users[msg.SenderID].DisplayName
	return msg
}

func (m *memStore) ListMessages(_ context.Context, listID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, 0)
	for _, msg := range m.messages {
		if msg.ListID == listID {
			out = append(out, m.withSender(msg))
		}
	}
	return out, nil
}

func (m *memStore) messageIndex(id string) int {
	for i, msg := range m.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func (m *memStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.messageIndex(id)
	if i < 0 {
		return store.Message{}, fmt.Errorf("get message: %w", sql.ErrNoRows)
	}
	return m.withSender(m.messages[i]), nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[msg.ListID]; !ok {
		return errors.New("foreign key violation")
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) UpdateMessageText(_ context.Context, id, text string, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.messageIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	m.messages[i].Text = text
	m.messages[i].EditedAt = &editedAt
	return nil
}

func (m *memStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.messageIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	m.messages = append(m.messages[:i], m.messages[i+1:]...)
	return nil
}

func (m *memStore) CountMessagesSince(_ context.Context, listID, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.messages {
		if msg.ListID == listID && msg.SenderID != userID && msg.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

const fakeBlobBase = "https://files.test/tandem/"

type fakeBlobs struct {
	mu        sync.Mutex
	puts      []blob.Upload
	deleted   []string
	putErr    error
	deleteErr error
	maxBytes  int64
	unlimited bool
}

func (f *fakeBlobs) Put(_ context.Context, upload blob.Upload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	if len(upload.Content) == 0 {
		return "", blob.ErrEmpty
	}
	if f.maxBytes > 0 && int64(len(upload.Content)) > f.maxBytes {
		return "", blob.ErrTooLarge
	}
	f.puts = append(f.puts, upload)
	return fakeBlobBase + blob.ObjectKey(upload.ListID, upload.ObjectID, upload.Filename), nil
}

func (f *fakeBlobs) CheckURL(rawURL, listID string) error {
	if !strings.HasPrefix(rawURL, fakeBlobBase) {
		return blob.ErrForeignURL
	}
	if !blob.KeyInList(strings.TrimPrefix(rawURL, fakeBlobBase), listID) {
		return blob.ErrOtherList
	}
	return nil
}

func (f *fakeBlobs) DeleteURL(_ context.Context, rawURL, listID string) error {
	if err := f.CheckURL(rawURL, listID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rawURL)
	return f.deleteErr
}

func (f *fakeBlobs) MaxBytes() int64 {
	if f.unlimited {
		return 0
	}
	if f.maxBytes > 0 {
		return f.maxBytes
	}
	return 1 << 20
}

type fakeSearch struct {
	mu              sync.Mutex
	lastQuery       search.Query
	indexedTodos    []string
	indexedMessages []string
	deletedTodos    []string
	deletedMessages []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexTodo(t search.TodoRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedTodos = append(f.indexedTodos, t.ID)
}

func (f *fakeSearch) IndexMessage(msg search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedMessages = append(f.indexedMessages, msg.ID)
}

func (f *fakeSearch) DeleteTodo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTodos = append(f.deletedTodos, id)
}

func (f *fakeSearch) DeleteMessage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedMessages = append(f.deletedMessages, id)
}

type fakeCursors struct {
	mu        sync.Mutex
	cursors   map[string]time.Time
	forgotten []string
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[string]time.Time)}
}

func (f *fakeCursors) MarkRead(_ context.Context, userID, listID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + listID
	if at.After(f.cursors[key]) {
		f.cursors[key] = at
	}
	return nil
}

func (f *fakeCursors) LastRead(_ context.Context, userID, listID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[userID+"/"+listID], nil
}

func (f *fakeCursors) Forget(_ context.Context, userID, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + listID
	delete(f.cursors, key)
	f.forgotten = append(f.forgotten, key)
	return nil
}

type sentInvitation struct {
	to, inviter, listName, listID, role string
}

type fakeMailer struct {
	sent []sentInvitation
	err  error
}

func (f *fakeMailer) SendInvitation(to, inviterName, listName, listID, role string) error {
	f.sent = append(f.sent, sentInvitation{to, inviterName, listName, listID, role})
	return f.err
}

// fakeGenerator replays items and then returns err.
type fakeGenerator struct {
	items  []generate.Item
	err    error
	topics []string
	counts []int
}

func (f *fakeGenerator) Stream(_ context.Context, topic string, count int, emit func(generate.Item) error) error {
	f.topics = append(f.topics, topic)
	f.counts = append(f.counts, count)
	for i, item := range f.items {
		if i >= count {
			return nil
		}
		if err := emit(item); err != nil {
			return err
		}
	}
	return f.err
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		GenerateRPS:   100,
		GenerateBurst: 100,
	}
}

func newTestService(opts Options) (*Service, *memStore) {
	ms := newMemStore()
	return New(testConfig(), ms, opts), ms
}

func sessionFor(t *testing.T, svc *Service, userID string) Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("create session for %s: %v", userID, err)
	}
	return session
}

func expectDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected %s (%d), got %v", code, status, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %s (%d), got %s (%d): %s", code, status, domainErr.Code, domainErr.Status, domainErr.Message)
	}
}
