package app

import (
	"context"
	"fmt"
	"strings"

	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
)

// Search finds todos in every list the caller participates in and messages
// only in lists where the caller may chat.
func (s *Service) Search(ctx context.Context, session Session, text, rawType string, limit int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH_UNAVAILABLE", "Search not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, validation("q", "q is required")
	}
	filterType, ok := search.ParseResultType(strings.TrimSpace(rawType))
	if !ok {
		return search.Response{}, validation("type", "type must be one of todo, message")
	}

	lists, err := s.store.ListListsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, fmt.Errorf("scope search: %w", err)
	}
	query := search.Query{
		Text:       text,
		FilterType: filterType,
		Limit:      limit,
	}
	for _, list := range lists {
		role := roleOf(list, session.UserID)
		if rbac.Can(role, rbac.ActionRead) {
			query.TodoListIDs = append(query.TodoListIDs, list.ID)
		}
		if rbac.Can(role, rbac.ActionChat) {
			query.MessageListIDs = append(query.MessageListIDs, list.ID)
		}
	}
	return s.search.Search(ctx, query), nil
}
