package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"tandem/api/internal/generate"
	"tandem/api/internal/rbac"
)

const maxTopicLength = 200

type GenerateInput struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// GeneratedTodoResult reports what happened to one candidate.
type GeneratedTodoResult struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	TodoID string `json:"todoId,omitempty"`
	Error  string `json:"error,omitempty"`
}

type GenerationReport struct {
	Items   []GeneratedTodoResult `json:"items"`
	Created int                   `json:"created"`
	Failed  int                   `json:"failed"`
	// Error is set when the upstream stream broke off after some items.
	Error string `json:"error,omitempty"`
}

func (s *Service) prepareGeneration(session Session, input GenerateInput) (GenerateInput, error) {
	if s.generator == nil {
		return input, unavailable("GENERATION_UNAVAILABLE", "Todo generation not configured")
	}
	input.Topic = strings.TrimSpace(input.Topic)
	if input.Topic == "" {
		return input, validation("topic", "topic is required")
	}
	if utf8.RuneCountInString(input.Topic) > maxTopicLength {
		return input, validation("topic", "topic is too long")
	}
	input.Count = generate.ClampCount(input.Count)
	if !s.limiters.Allow(session.UserID) {
		return input, rateLimited("Too many generation requests, try again shortly")
	}
	return input, nil
}

func generationFailure(err error) error {
	var upstream *generate.UpstreamError
	if errors.As(err, &upstream) {
		log.Error().Int("status", upstream.Status).Str("body", upstream.Body).Msg("generation upstream failed")
	} else {
		log.Error().Err(err).Msg("generation failed")
	}
	return externalFailure("todo generation")
}

// StreamGeneratedTodos streams valid candidates to emit as they arrive.
// Invalid candidates are dropped. Errors returned before the first emit
// are DomainErrors; later errors describe a broken stream.
func (s *Service) StreamGeneratedTodos(ctx context.Context, session Session, input GenerateInput, emit func(generate.Candidate) error) error {
	input, err := s.prepareGeneration(session, input)
	if err != nil {
		return err
	}
	var emitErr error
	err = s.generator.Stream(ctx, input.Topic, input.Count, func(item generate.Item) error {
		if item.Err != nil {
			s.metrics.GeneratedTodo("invalid")
			log.Debug().Err(item.Err).Int("index", item.Index).Msg("dropping invalid generated todo")
			return nil
		}
		s.metrics.GeneratedTodo("streamed")
		if err := emit(item.Candidate); err != nil {
			emitErr = err
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if emitErr != nil || errors.Is(err, context.Canceled) {
		return err
	}
	return generationFailure(err)
}

// GenerateIntoList creates one todo per generated candidate. Items are
// applied independently; a failure on one does not roll back the others.
func (s *Service) GenerateIntoList(ctx context.Context, session Session, listID string, input GenerateInput) (GenerationReport, error) {
	if _, _, err := s.authorize(ctx, session, listID, rbac.ActionWrite); err != nil {
		return GenerationReport{}, err
	}
	input, err := s.prepareGeneration(session, input)
	if err != nil {
		return GenerationReport{}, err
	}

	report := GenerationReport{Items: []GeneratedTodoResult{}}
	err = s.generator.Stream(ctx, input.Topic, input.Count, func(item generate.Item) error {
		result := GeneratedTodoResult{Index: item.Index, Title: item.Candidate.Title}
		if item.Err != nil {
			result.Error = item.Err.Error()
			report.Failed++
			s.metrics.GeneratedTodo("invalid")
			report.Items = append(report.Items, result)
			return nil
		}
		todo, err := s.insertTodo(ctx, listID, CreateTodoInput{
			Title:        item.Candidate.Title,
			Description:  item.Candidate.Description,
			DueDate:      item.Candidate.DueDate,
			ExpectedTime: item.Candidate.ExpectedTime,
		})
		if err != nil {
			result.Error = createFailureMessage(err)
			report.Failed++
			s.metrics.GeneratedTodo("failed")
		} else {
			result.TodoID = todo.ID
			report.Created++
			s.metrics.GeneratedTodo("created")
		}
		report.Items = append(report.Items, result)
		return nil
	})
	if err != nil {
		if len(report.Items) == 0 {
			return GenerationReport{}, generationFailure(err)
		}
		log.Warn().Err(err).Str("list_id", listID).Int("applied", len(report.Items)).Msg("generation stream ended early")
		report.Error = "generation stopped early"
	}
	return report, nil
}

func createFailureMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	log.Error().Err(err).Msg("create generated todo failed")
	return "could not create todo"
}
