package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/sessionrelay/internal/upstream"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

// Generate services a unary generateContent call: it buffers the entire
// upstream reply before returning.
func (e *Executor) Generate(ctx context.Context, req Request) (*GenerateResponse, error) {
	start := time.Now()

	if err := validateRequest(req); err != nil {
		e.logOutcome(ctx, req, nil, "generate", apierr.AsError(err).HTTPStatus(), 0, 0, start, err)
		return nil, err
	}

	messages := toMessages(req.Body.Contents)
	query := lastMessageText(req.Body.Contents)
	upstreamModel := mapModel(req.Model)
	wantMedia := wantsMedia(req.Body, e.cfg.MediaKeywords)

	var thoughtText, contentText string
	var finishReason string
	var delivered bool

	a, err := e.withAttempt(ctx, req.UserID, messages, func(ctx context.Context, a *attempt) error {
		thoughtText, contentText, finishReason, delivered = "", "", "", false

		sessionName, err := e.ensureUpstreamSession(ctx, a)
		if err != nil {
			return err
		}

		return a.client.StreamAssist(ctx, sessionName, query, upstreamModel, 0, func(c upstream.Chunk) {
			if c.Text != "" {
				if c.Thought {
					thoughtText += c.Text
				} else {
					contentText += c.Text
					delivered = true
				}
			}
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		})
	})
	if err != nil {
		e.logOutcome(ctx, req, a, "generate", apierr.AsError(err).HTTPStatus(), 0, 0, start, err)
		return nil, err
	}

	if delivered {
		if err := e.matcher.RecordMessage(ctx, a.session.ID); err != nil {
			e.log.WarnContext(ctx, "executor_record_message_failed", slog.String("error", err.Error()))
		}
	}

	if finishReason == "" {
		finishReason = "STOP"
	}

	parts := buildParts(thoughtText, contentText)

	if wantMedia {
		if part, ok := e.fetchMediaPart(ctx, a); ok {
			parts = append(parts, part)
		}
	}

	usage := buildUsage(allText(req.Body.Contents), contentText)

	resp := &GenerateResponse{
		Candidates: []Candidate{{
			Content:       Content{Role: "model", Parts: parts},
			FinishReason:  finishReason,
			SafetyRatings: fixedSafetyRatings,
		}},
		UsageMetadata: usage,
		ModelVersion:  req.Model,
	}

	e.logOutcome(ctx, req, a, "generate", 200, usage.PromptTokenCount, usage.CandidatesTokenCount, start, nil)
	return resp, nil
}

func buildParts(thoughtText, contentText string) []Part {
	var parts []Part
	if thoughtText != "" {
		parts = append(parts, Part{Text: thoughtText, Thought: boolPtr(true)})
	}
	if contentText != "" {
		parts = append(parts, Part{Text: contentText})
	}
	return parts
}

func (e *Executor) fetchMediaPart(ctx context.Context, a *attempt) (Part, bool) {
	if a.session.UpstreamSessionID == nil {
		return Part{}, false
	}
	mimeType, data, err := a.client.FetchLatestMedia(ctx, *a.session.UpstreamSessionID)
	if err != nil {
		e.log.WarnContext(ctx, "executor_media_fetch_failed", slog.String("error", err.Error()))
		return Part{}, false
	}
	return Part{InlineData: &InlineData{MimeType: mimeType, Data: encodeMedia(data)}}, true
}
