// Package generate asks an OpenAI-compatible chat-completions endpoint for
// todo suggestions and streams back validated candidates.
package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	MinCount = 1
	MaxCount = 20
)

// Candidate is one suggested todo.
type Candidate struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DueDate      string `json:"dueDate"`
	ExpectedTime string `json:"expectedTime"`
}

// Item is a candidate as it arrives from the stream. Err is set when the
// object could not be decoded or failed validation.
type Item struct {
	Index     int
	Candidate Candidate
	Err       error
}

// UpstreamError reports a non-2xx response or an error event from the model endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return "generation upstream: " + e.Body
	}
	return fmt.Sprintf("generation upstream: status %d: %s", e.Status, e.Body)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Now        func() time.Time
}

type Client struct {
	baseURL   string
	apiKey    string
	model     string
	http      *http.Client
	now       func() time.Time
	validator *validator
}

func NewClient(cfg Config) (*Client, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     model,
		http:      httpClient,
		now:       now,
		validator: v,
	}, nil
}

// ClampCount forces a requested count into [MinCount, MaxCount].
func ClampCount(n int) int {
	if n < MinCount {
		return MinCount
	}
	if n > MaxCount {
		return MaxCount
	}
	return n
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func systemPrompt(count int, today time.Time) string {
	return fmt.Sprintf(`You are a to-do list creator. Given a topic, create exactly %d to-dos.
Each to-do must include:
- "title": a concise title.
- "description": a concise description of no more than one sentence.
- "dueDate": a due date formatted YYYY-MM-DD that is after today (%s).
- "expectedTime": the expected time to complete the task in minutes, generally between 5 and 120.
The to-dos must be relevant to the topic.
Respond with JSON only, in the form {"todos":[{"title":"","description":"","dueDate":"","expectedTime":""}]}.`,
		count, today.Format(dateLayout))
}

// Stream requests count todos for topic and calls emit for every candidate
// object as soon as it is complete, stopping after count items. A non-nil
// error from emit aborts the stream and is returned as is.
func (c *Client) Stream(ctx context.Context, topic string, count int, emit func(Item) error) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	count = ClampCount(count)
	today := c.now()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(count, today)},
			{Role: "user", Content: "Topic: " + topic},
		},
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call generation upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var objects objectScanner
	index := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Debug().Err(err).Msg("generate: skipping undecodable stream chunk")
			continue
		}
		if chunk.Error != nil {
			return &UpstreamError{Body: chunk.Error.Message}
		}
		for _, choice := range chunk.Choices {
			for _, raw := range objects.Feed(choice.Delta.Content) {
				candidate, verr := c.validator.candidate([]byte(raw), today)
				if err := emit(Item{Index: index, Candidate: candidate, Err: verr}); err != nil {
					return err
				}
				index++
				if index >= count {
					return nil
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read generation stream: %w", err)
	}
	return nil
}
