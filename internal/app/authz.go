package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

// roleOf resolves the caller's effective role on a list.
func roleOf(list store.List, userID string) rbac.Role {
	participant, ok := list.Participant(userID)
	return rbac.Resolve(list.OwnerID == userID, ok, participant.Role)
}

func denyMessage(role rbac.Role, action rbac.Action) string {
	switch action {
	case rbac.ActionRead:
		return "You are not a participant of this list"
	case rbac.ActionWrite, rbac.ActionChat:
		if role == rbac.RoleNone {
			return "You are not a participant of this list"
		}
		return "Editor role required"
	case rbac.ActionManage:
		return "Only the list owner can do this"
	case rbac.ActionLeave:
		if role == rbac.RoleOwner {
			return "The owner cannot leave the list"
		}
		return "You are not a participant of this list"
	default:
		return "Unauthorized"
	}
}

func (s *Service) deny(session Session, listID string, role rbac.Role, action rbac.Action) error {
	s.metrics.AuthzDenied(string(action))
	log.Info().
		Str("user_id", session.UserID).
		Str("list_id", listID).
		Str("role", string(role)).
		Str("action", string(action)).
		Msg("authorization denied")
	return unauthorized(denyMessage(role, action))
}

// authorize loads the list and checks the caller may perform action on it.
// A missing list is reported exactly like a list the caller cannot see.
func (s *Service) authorize(ctx context.Context, session Session, listID string, action rbac.Action) (store.List, rbac.Role, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.List{}, rbac.RoleNone, s.deny(session, listID, rbac.RoleNone, action)
		}
		return store.List{}, rbac.RoleNone, fmt.Errorf("load list: %w", err)
	}
	role := roleOf(list, session.UserID)
	if !rbac.Can(role, action) {
		return store.List{}, role, s.deny(session, listID, role, action)
	}
	return list, role, nil
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 0.2
	}
	if burst <= 0 {
		burst = 3
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
