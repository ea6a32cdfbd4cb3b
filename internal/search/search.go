// Package search finds todos and messages across the lists a caller can see.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTodo    ResultType = "todo"
	ResultMessage ResultType = "message"
)

// ParseResultType accepts "", "todo" and "message".
func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "":
		return "", true
	case ResultTodo, ResultMessage:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	ListID  string     `json:"listId"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
}

// Query describes a search request. Todos are matched only inside
// TodoListIDs and messages only inside MessageListIDs; an empty slice
// searches nothing of that type.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	TodoListIDs    []string
	MessageListIDs []string
	Limit          int
}

func (q Query) wants(t ResultType) bool {
	if q.FilterType != "" && q.FilterType != t {
		return false
	}
	switch t {
	case ResultTodo:
		return len(q.TodoListIDs) > 0
	case ResultMessage:
		return len(q.MessageListIDs) > 0
	}
	return false
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// TodoRecord is the data we index for a todo.
type TodoRecord struct {
	ID          string `json:"id"`
	ListID      string `json:"listId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID       string `json:"id"`
	ListID   string `json:"listId"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}
