package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tandem/api/internal/auth"
	"tandem/api/internal/authpw"
	"tandem/api/internal/blob"
	"tandem/api/internal/config"
	"tandem/api/internal/generate"
	"tandem/api/internal/metrics"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is everything the service reads and writes in Postgres.
type DataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)

	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListListsForUser(context.Context, string) ([]store.List, error)
	GetList(context.Context, string) (store.List, error)
	CreateList(context.Context, store.List) error
	RenameList(context.Context, string, string) error
	DeleteList(context.Context, string) error
	AddParticipant(context.Context, string, string, string) error
	UpdateParticipantRole(context.Context, string, string, string) error
	RemoveParticipant(context.Context, string, string) error
	ApplyListEdit(context.Context, string, store.ListEdit) error

	ListTodos(context.Context, string) ([]store.Todo, error)
	GetTodo(context.Context, string) (store.Todo, error)
	InsertTodo(context.Context, store.Todo) error
	SetTodoCompleted(context.Context, string, bool) error
	UpdateTodoDetails(context.Context, string, store.TodoPatch) error
	SetTodoAssignee(context.Context, string, string) error
	DeleteTodo(context.Context, string) error

	ListMessages(context.Context, string) ([]store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	InsertMessage(context.Context, store.Message) error
	UpdateMessageText(context.Context, string, string, time.Time) error
	DeleteMessage(context.Context, string) error
	CountMessagesSince(context.Context, string, string, time.Time) (int, error)
}

// SessionStore keeps hashed refresh tokens. Redis when configured, Postgres otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type BlobStore interface {
	Put(ctx context.Context, upload blob.Upload) (string, error)
	CheckURL(rawURL, listID string) error
	DeleteURL(ctx context.Context, rawURL, listID string) error
	MaxBytes() int64
}

type TodoGenerator interface {
	Stream(ctx context.Context, topic string, count int, emit func(generate.Item) error) error
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexTodo(search.TodoRecord)
	IndexMessage(search.MessageRecord)
	DeleteTodo(id string)
	DeleteMessage(id string)
}

type ReadCursors interface {
	MarkRead(ctx context.Context, userID, listID string, at time.Time) error
	LastRead(ctx context.Context, userID, listID string) (time.Time, error)
	Forget(ctx context.Context, userID, listID string) error
}

type Mailer interface {
	SendInvitation(to, inviterName, listName, listID, role string) error
}

// Options carries the optional collaborators. A nil field disables the
// operations that need it.
type Options struct {
	Sessions  SessionStore
	Blobs     BlobStore
	Generator TodoGenerator
	Search    SearchIndex
	Cursors   ReadCursors
	Mailer    Mailer
	Metrics   *metrics.Metrics
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  SessionStore
	passwords *authpw.Service
	blobs     BlobStore
	generator TodoGenerator
	search    SearchIndex
	cursors   ReadCursors
	mailer    Mailer
	metrics   *metrics.Metrics
	limiters  *limiterPool
	now       func() time.Time
}

func New(cfg config.Config, dataStore DataStore, opts Options) *Service {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		blobs:     opts.Blobs,
		generator: opts.Generator,
		search:    opts.Search,
		cursors:   opts.Cursors,
		mailer:    opts.Mailer,
		metrics:   opts.Metrics,
		limiters:  newLimiterPool(cfg.GenerateRPS, cfg.GenerateBurst),
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		var inputErr *authpw.InputError
		switch {
		case errors.As(err, &inputErr):
			return Session{}, validation(inputErr.Field, inputErr.Error())
		case errors.Is(err, authpw.ErrEmailTaken):
			return Session{}, conflict("Email already registered")
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		var inputErr *authpw.InputError
		if errors.As(err, &inputErr) {
			return Session{}, validation(inputErr.Field, inputErr.Message)
		}
		return Session{}, unauthenticated("Invalid email or password")
	}
	return s.issueSession(ctx, user)
}

// CreateSession issues a session for an existing user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	// consuming revokes the token, so a replayed or raced refresh fails
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		log.Debug().Err(err).Msg("refresh token rejected")
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke access token failed")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke refresh token failed")
		}
	}
	return nil
}
