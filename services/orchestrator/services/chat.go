// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/Sitka/services/orchestrator/config"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

var chatTracer = otel.Tracer("sitka.orchestrator.services.chat")

const serviceChat = "chat"

// EmptyCompletionPlaceholder is emitted as the sole chunk of a stream
// whose upstream finished without producing any content. Callers decide
// whether to show it to the user.
const EmptyCompletionPlaceholder = "the model returned an empty response"

// maxMalformedChunks is how many undecodable stream chunks are skipped
// before the stream is abandoned with a decode error.
const maxMalformedChunks = 5

// ===== Request / Chunk Types =====

// CompletionRequest describes one call to the chat model. History, when
// present, is replayed ahead of Prompt so the model sees the dialog.
type CompletionRequest struct {
	// System is the system prompt. Empty means none.
	System string

	// Prompt is the user-turn content. Required.
	Prompt string

	// History is prior dialog, oldest first. Optional.
	History []datatypes.Message

	// Temperature in [0.0, 2.0]. The pipeline pins a temperature per
	// stage, so this is always set explicitly.
	Temperature float32

	// MaxTokens caps the completion length. Zero means the client
	// default.
	MaxTokens int
}

// StreamChunk is one element of a streamed completion. Exactly one of
// Content or Err is meaningful; a chunk with Err set is terminal.
type StreamChunk struct {
	Content string
	Err     error
}

// ===== ChatClient =====

// ChatClient is the language-model surface the pipeline depends on.
//
// # Description
//
// Complete performs a blocking completion and returns the full answer.
// Stream performs a streaming completion and returns a channel of
// chunks; the channel is closed after the final chunk. CompleteJSON
// performs a blocking completion and decodes the answer into out,
// tolerating prose around a single JSON object.
//
// # Outputs
//
// All methods report failures as *AdapterError. None of them retry; a
// failed call is the caller's signal to fall back or surface the error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The pipeline issues
// calls from parallel retrieval tasks.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
	CompleteJSON(ctx context.Context, req CompletionRequest, out any) error
}

// ===== OpenAIChat =====

// OpenAIChat implements ChatClient against any OpenAI-compatible
// endpoint (OpenAI itself, vLLM, Ollama's compatibility layer) selected
// by the configured base URL.
type OpenAIChat struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

var _ ChatClient = (*OpenAIChat)(nil)

// NewOpenAIChat builds the adapter from configuration. The API key may
// be empty when the endpoint does not enforce auth (local vLLM).
func NewOpenAIChat(cfg config.OpenAIConfig, logger *slog.Logger) *OpenAIChat {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIChat{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// buildMessages assembles the OpenAI message list: system prompt,
// replayed history, then the current user turn.
func (c *OpenAIChat) buildMessages(req CompletionRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return msgs
}

func (c *OpenAIChat) completionRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

// Complete performs one blocking chat completion.
//
// # Description
//
// Applies the per-call timeout, sends the request, and returns the
// first choice's content. An upstream response with no choices is an
// upstream error, not an empty string: the pipeline's fallbacks need to
// distinguish "model said nothing" from "call never happened".
func (c *OpenAIChat) Complete(ctx context.Context, req CompletionRequest) (answer string, err error) {
	ctx, span := chatTracer.Start(ctx, "OpenAIChat.Complete")
	defer span.End()
	defer instrument(serviceChat, "Complete", time.Now(), &err)

	span.SetAttributes(
		attribute.String("chat.model", c.model),
		attribute.Float64("chat.temperature", float64(req.Temperature)),
		attribute.Int("chat.history_len", len(req.History)),
	)

	// Step 1: Bound the call.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Step 2: Send.
	resp, err := c.client.CreateChatCompletion(ctx, c.completionRequest(req, false))
	if err != nil {
		aerr := c.classifyError("Complete", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return "", aerr
	}

	// Step 3: Extract the answer.
	if len(resp.Choices) == 0 {
		aerr := NewUpstreamError(serviceChat, "Complete", "completion response has no choices")
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		return "", aerr
	}
	answer = resp.Choices[0].Message.Content
	span.SetAttributes(attribute.Int("chat.answer_len", len(answer)))
	return answer, nil
}

// Stream performs one streaming chat completion.
//
// # Description
//
// Returns immediately with a channel of chunks; a goroutine pumps the
// upstream stream into it. The channel is closed when the stream ends.
// Contract:
//
//   - Malformed chunks are skipped, up to maxMalformedChunks; past that
//     the stream terminates with a decode-error chunk.
//   - A stream that ends having produced no content emits a single
//     chunk carrying EmptyCompletionPlaceholder.
//   - A transport failure mid-stream emits one terminal chunk with Err
//     set, then the channel closes.
//
// # Outputs
//
// An immediate error (connection refused, auth rejected) is returned
// from Stream itself; the channel is nil in that case.
func (c *OpenAIChat) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	ctx, span := chatTracer.Start(ctx, "OpenAIChat.Stream")

	span.SetAttributes(
		attribute.String("chat.model", c.model),
		attribute.Float64("chat.temperature", float64(req.Temperature)),
	)

	// Step 1: Bound the whole stream, establishment through drain.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	stream, err := c.client.CreateChatCompletionStream(ctx, c.completionRequest(req, true))
	if err != nil {
		aerr := c.classifyError("Stream", err)
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		span.End()
		cancel()
		adapterRequests.WithLabelValues(serviceChat, "Stream").Inc()
		adapterErrors.WithLabelValues(serviceChat, "Stream", string(aerr.Kind)).Inc()
		return nil, aerr
	}

	out := make(chan StreamChunk, 16)

	// Step 2: Pump chunks until EOF, terminal error, or cancellation.
	go func() {
		defer close(out)
		defer cancel()
		defer span.End()
		defer stream.Close()

		start := time.Now()
		adapterRequests.WithLabelValues(serviceChat, "Stream").Inc()

		emitted := 0
		malformed := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if isDecodeError(err) {
					malformed++
					if malformed <= maxMalformedChunks {
						c.logger.Warn("skipping malformed stream chunk",
							"error", err, "skipped", malformed)
						continue
					}
					err = NewDecodeError(serviceChat, "Stream", err)
				} else {
					err = c.classifyError("Stream", err)
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, "stream terminated")
				var kind ErrorKind = "unknown"
				if ae, ok := AsAdapterError(err); ok {
					kind = ae.Kind
				}
				adapterErrors.WithLabelValues(serviceChat, "Stream", string(kind)).Inc()
				select {
				case out <- StreamChunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- StreamChunk{Content: content}:
				emitted++
			case <-ctx.Done():
				return
			}
		}

		// Step 3: Never end a successful stream empty-handed.
		if emitted == 0 {
			select {
			case out <- StreamChunk{Content: EmptyCompletionPlaceholder}:
			case <-ctx.Done():
			}
		}
		span.SetAttributes(attribute.Int("chat.chunks", emitted))
		adapterDuration.WithLabelValues(serviceChat, "Stream").Observe(time.Since(start).Seconds())
	}()

	return out, nil
}

// classifyError maps go-openai errors onto AdapterError kinds.
func (c *OpenAIChat) classifyError(op string, err error) *AdapterError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewHTTPStatusError(serviceChat, op, apiErr.HTTPStatusCode, []byte(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return NewHTTPStatusError(serviceChat, op, reqErr.HTTPStatusCode, []byte(reqErr.Error()))
		}
		return classifyTransportError(serviceChat, op, err)
	}
	return classifyTransportError(serviceChat, op, err)
}

// isDecodeError reports whether a stream Recv failure is a payload
// parsing problem rather than a transport one.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}
