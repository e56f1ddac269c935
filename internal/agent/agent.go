// Package agent drives the response-generation loop: call the model,
// dispatch any tools it requests, feed the results back, repeat until
// the model answers in plain content or the round cap is reached.
// Progress is persisted to the task store and fanned out per
// conversation so observers can re-read state as it changes.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/trial-scout/internal/llm"
	"github.com/nugget/trial-scout/internal/notify"
	"github.com/nugget/trial-scout/internal/prompts"
	"github.com/nugget/trial-scout/internal/task"
	"github.com/nugget/trial-scout/internal/tools"
)

// Dispatcher maps tool-call requests to capabilities and advertises
// the catalog to the model.
type Dispatcher interface {
	Execute(ctx context.Context, name, argsJSON string) (string, error)
	List() []map[string]any
}

// ConversationStore is the slice of the conversation store the engine
// writes through.
type ConversationStore interface {
	History(conversationID string) ([]llm.Message, error)
	AddAssistantMessage(conversationID, content string) (string, error)
	UpdateAssistantMessage(messageID, content string, toolCalls []llm.ToolCall) error
	AddToolMessage(conversationID, toolCallID, content string) (string, error)
}

// TaskStore is the slice of the task store the engine writes through.
type TaskStore interface {
	SetStatus(id string, status task.Status) error
	SetPartialContent(id, content string) error
	Complete(id, result, resultHTML string) error
	Fail(id, message string) error
}

// Config tunes the loop. Zero values select the defaults.
type Config struct {
	Model         string
	MaxRounds     int           // tool-calling rounds before giving up
	RoundDelay    time.Duration // pause between rounds, for progress legibility
	StreamTimeout time.Duration // per model call
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.RoundDelay <= 0 {
		c.RoundDelay = 1500 * time.Millisecond
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 120 * time.Second
	}
	return c
}

// Engine runs response-generation tasks.
type Engine struct {
	llm           llm.Client
	dispatcher    Dispatcher
	conversations ConversationStore
	tasks         TaskStore
	hub           *notify.Hub
	markdown      goldmark.Markdown
	cfg           Config
	logger        *slog.Logger
}

// New creates an engine. hub may be nil when no observers exist.
func New(client llm.Client, dispatcher Dispatcher, conversations ConversationStore, taskStore TaskStore, hub *notify.Hub, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		llm:           client,
		dispatcher:    dispatcher,
		conversations: conversations,
		tasks:         taskStore,
		hub:           hub,
		markdown:      goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
		cfg:           cfg.withDefaults(),
		logger:        logger.With("component", "agent"),
	}
}

// Run executes one task to completion. It owns the task record for its
// lifetime: every exit path leaves the task in a terminal state. Meant
// to be launched in its own goroutine per task; runs for different
// conversations proceed fully in parallel.
func (e *Engine) Run(ctx context.Context, conversationID, taskID string) error {
	logger := e.logger.With("conversation_id", conversationID, "task_id", taskID)

	final, err := e.run(ctx, logger, conversationID, taskID)
	if err != nil {
		logger.Error("run failed", "error", err)
		if failErr := e.tasks.Fail(taskID, err.Error()); failErr != nil {
			logger.Error("record failure", "error", failErr)
		}
		e.hub.Publish(conversationID)
		return err
	}

	if err := e.tasks.Complete(taskID, final, e.render(final)); err != nil {
		logger.Error("record completion", "error", err)
		return err
	}
	e.hub.Publish(conversationID)
	logger.Info("run complete", "final_len", len(final))
	return nil
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, conversationID, taskID string) (string, error) {
	history, err := e.conversations.History(conversationID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: prompts.System})
	messages = append(messages, history...)

	if err := e.advance(conversationID, taskID, task.StatusAnalyzing); err != nil {
		return "", err
	}

	catalog := e.dispatcher.List()

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("run cancelled: %w", err)
		}
		logger.Debug("round start", "round", round, "messages", len(messages))

		// Placeholder assistant message so the conversation's shape is
		// visible while the response streams.
		placeholderID, err := e.conversations.AddAssistantMessage(conversationID, "")
		if err != nil {
			return "", fmt.Errorf("add placeholder: %w", err)
		}
		e.hub.Publish(conversationID)

		resp, err := e.streamRound(ctx, messages, catalog, conversationID, taskID)
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}

		// Materialize the streamed result into the placeholder.
		if err := e.conversations.UpdateAssistantMessage(placeholderID, resp.Message.Content, resp.Message.ToolCalls); err != nil {
			return "", fmt.Errorf("store assistant message: %w", err)
		}
		e.hub.Publish(conversationID)

		// Content-only response ends the run.
		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		if err := e.advance(conversationID, taskID, task.StatusToolCalling); err != nil {
			return "", err
		}
		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			result, err := e.dispatchCall(ctx, logger, call)
			if err != nil {
				return "", err
			}
			if _, err := e.conversations.AddToolMessage(conversationID, call.ID, result); err != nil {
				return "", fmt.Errorf("store tool result: %w", err)
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
		e.hub.Publish(conversationID)

		if err := e.advance(conversationID, taskID, task.StatusSynthesizing); err != nil {
			return "", err
		}

		// Keep the progress indicator legible between rounds. Not a
		// backoff; the next round starts regardless.
		select {
		case <-time.After(e.cfg.RoundDelay):
		case <-ctx.Done():
			return "", fmt.Errorf("run cancelled: %w", ctx.Err())
		}
	}

	return "", fmt.Errorf("exhausted tool-calling rounds without a final answer (%d rounds)", e.cfg.MaxRounds)
}

// streamRound makes one streaming model call, persisting partial
// snapshots as they arrive.
func (e *Engine) streamRound(ctx context.Context, messages []llm.Message, catalog []map[string]any, conversationID, taskID string) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StreamTimeout)
	defer cancel()

	return e.llm.ChatStream(callCtx, e.cfg.Model, messages, catalog, func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindSnapshot {
			return
		}
		if err := e.tasks.SetPartialContent(taskID, ev.Partial); err != nil {
			e.logger.Warn("persist partial content", "error", err)
			return
		}
		e.hub.Publish(conversationID)
	})
}

// dispatchCall executes one tool call. Execution and argument-decode
// failures become error text the model can react to; an unknown tool
// name means the catalog and the model disagree and fails the run.
func (e *Engine) dispatchCall(ctx context.Context, logger *slog.Logger, call llm.ToolCall) (string, error) {
	logger.Info("tool call", "tool", call.Name, "args_len", len(call.Arguments))

	start := time.Now()
	result, err := e.dispatcher.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			return "", err
		}
		logger.Warn("tool failed", "tool", call.Name, "error", err)
		return "Error: " + err.Error(), nil
	}

	logger.Debug("tool done", "tool", call.Name, "result_len", len(result), "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (e *Engine) advance(conversationID, taskID string, status task.Status) error {
	if err := e.tasks.SetStatus(taskID, status); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	e.hub.Publish(conversationID)
	return nil
}

// render converts the final markdown answer to HTML for storage
// alongside the raw text.
func (e *Engine) render(markdown string) string {
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(markdown), &buf); err != nil {
		e.logger.Warn("render markdown", "error", err)
		return ""
	}
	return buf.String()
}
