package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/sessionrelay/internal/upstream"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

// StreamGenerate services a streamGenerateContent call, invoking sink with
// one GenerateResponse per emitted chunk, in delivery order. It returns once
// the stream completes (including the synthetic final chunk and any
// requested media), or when ctx is cancelled.
func (e *Executor) StreamGenerate(ctx context.Context, req Request, sink func(GenerateResponse)) error {
	start := time.Now()

	if err := validateRequest(req); err != nil {
		e.logOutcome(ctx, req, nil, "stream_generate", apierr.AsError(err).HTTPStatus(), 0, 0, start, err)
		return err
	}

	messages := toMessages(req.Body.Contents)
	query := lastMessageText(req.Body.Contents)
	upstreamModel := mapModel(req.Model)
	wantMedia := wantsMedia(req.Body, e.cfg.MediaKeywords)

	var contentText string
	var finishReason string
	var delivered bool
	var promptTokens int

	a, err := e.withAttempt(ctx, req.UserID, messages, func(ctx context.Context, a *attempt) error {
		contentText, finishReason, delivered = "", "", false

		sessionName, err := e.ensureUpstreamSession(ctx, a)
		if err != nil {
			return err
		}

		return a.client.StreamAssist(ctx, sessionName, query, upstreamModel, 0, func(c upstream.Chunk) {
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
			if c.Text == "" {
				return
			}
			if !c.Thought {
				contentText += c.Text
				delivered = true
			}

			part := Part{Text: c.Text}
			if c.Thought {
				part.Thought = boolPtr(true)
			}
			sink(GenerateResponse{
				Candidates: []Candidate{{
					Content: Content{Role: "model", Parts: []Part{part}},
				}},
				ModelVersion: req.Model,
			})
		})
	})
	if err != nil {
		e.logOutcome(ctx, req, a, "stream_generate", apierr.AsError(err).HTTPStatus(), 0, 0, start, err)
		return err
	}

	if delivered {
		if err := e.matcher.RecordMessage(ctx, a.session.ID); err != nil {
			e.log.WarnContext(ctx, "executor_record_message_failed", slog.String("error", err.Error()))
		}
	}

	if finishReason == "" {
		finishReason = "STOP"
	}

	promptTokens = estimateTokens(allText(req.Body.Contents))
	usage := buildUsage(allText(req.Body.Contents), contentText)

	sink(GenerateResponse{
		Candidates: []Candidate{{
			Content:       Content{Role: "model", Parts: []Part{}},
			FinishReason:  finishReason,
			SafetyRatings: fixedSafetyRatings,
		}},
		UsageMetadata: usage,
		ModelVersion:  req.Model,
	})

	if wantMedia {
		e.emitMediaAfterGrace(ctx, a, req.Model, sink)
	}

	e.logOutcome(ctx, req, a, "stream_generate", 200, promptTokens, usage.CandidatesTokenCount, start, nil)
	return nil
}

func (e *Executor) emitMediaAfterGrace(ctx context.Context, a *attempt, model string, sink func(GenerateResponse)) {
	timer := time.NewTimer(e.cfg.mediaGracePeriod())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	part, ok := e.fetchMediaPart(ctx, a)
	if !ok {
		return
	}

	sink(GenerateResponse{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: []Part{part}},
			FinishReason: "STOP",
		}},
		ModelVersion: model,
	})
}
