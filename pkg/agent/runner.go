package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/internal/tracing"
	"github.com/reza/vizier/pkg/bridge"
	"github.com/reza/vizier/pkg/dispatch"
	"github.com/reza/vizier/pkg/notifier"
	"github.com/reza/vizier/pkg/session"
	"github.com/reza/vizier/pkg/turnqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxToolRounds bounds the model's tool loop within one turn.
const maxToolRounds = 10

// TurnEvents is the slice of the notifier the runner needs.
type TurnEvents interface {
	BeginTurn(turn int64)
	Notify(eventType notifier.EventType, message string) error
}

// CapabilityRegistry is the slice of dispatch the runner needs.
type CapabilityRegistry interface {
	Invoke(ctx context.Context, name string, input map[string]interface{}) bridge.Result
	List() []dispatch.Capability
}

// Runner drives conversation turns: it serializes them per session, talks to
// the model with capability definitions, routes tool calls through dispatch,
// persists the transcript, and closes every turn with exactly one final or
// error event.
type Runner struct {
	sessions     *session.Manager
	capabilities CapabilityRegistry
	turns        *turnqueue.Queue
	events       TurnEvents
	logger       zerolog.Logger
	factory      ProviderCreator
	config       TurnConfig

	authProfiles []AuthProfile
	authMu       sync.RWMutex

	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex

	turnSeq map[string]int64
	seqMu   sync.Mutex
}

// Config holds runner configuration
type Config struct {
	Sessions     *session.Manager
	Capabilities CapabilityRegistry
	Turns        *turnqueue.Queue
	Events       TurnEvents
	Logger       zerolog.Logger
	AuthProfiles []AuthProfile
	Factory      ProviderCreator
	TurnConfig   TurnConfig
}

// NewRunner creates a new Runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Capabilities == nil {
		return nil, fmt.Errorf("capability registry is required")
	}
	if cfg.Turns == nil {
		return nil, fmt.Errorf("turn queue is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("events sink is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if err := validateTurnConfig(cfg.TurnConfig); err != nil {
		return nil, fmt.Errorf("invalid turn config: %w", err)
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &ProviderFactory{}
	}

	return &Runner{
		sessions:     cfg.Sessions,
		capabilities: cfg.Capabilities,
		turns:        cfg.Turns,
		events:       cfg.Events,
		logger:       cfg.Logger,
		factory:      factory,
		config:       cfg.TurnConfig,
		authProfiles: cfg.AuthProfiles,
		activeRuns:   make(map[string]context.CancelFunc),
		turnSeq:      make(map[string]int64),
	}, nil
}

func validateTurnConfig(cfg TurnConfig) error {
	if cfg.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// HandleTurn runs one conversation turn for a session. Turns are serialized
// per session; HandleTurn blocks until the turn completes.
func (r *Runner) HandleTurn(ctx context.Context, sessionKey, text string) (TurnResult, error) {
	if text == "" {
		return TurnResult{}, fmt.Errorf("turn text cannot be empty")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"vizier.agent",
		"agent.turn",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	result, err := r.turns.Enqueue(ctx, turnqueue.SessionLane(sessionKey), func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, sessionKey, text)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	return result.(TurnResult), nil
}

// Abort cancels the running turn of a session, if any.
func (r *Runner) Abort(sessionKey string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	if cancel, exists := r.activeRuns[sessionKey]; exists {
		r.logger.Info().Str("sessionKey", sessionKey).Msg("Aborting turn")
		cancel()
		delete(r.activeRuns, sessionKey)
	}
}

// IsRunning reports whether a turn is in flight for a session.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, exists := r.activeRuns[sessionKey]
	return exists
}

func (r *Runner) nextTurn(sessionKey string) int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.turnSeq[sessionKey]++
	return r.turnSeq[sessionKey]
}

// executeTurn runs inside the session lane, so at most one instance per
// session is active.
func (r *Runner) executeTurn(ctx context.Context, sessionKey, text string) (TurnResult, error) {
	turn := r.nextTurn(sessionKey)
	start := time.Now()

	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx = tracing.WithTurnID(ctx, fmt.Sprintf("%s-%d", sessionKey, turn))
	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("session_key", sessionKey).
		Int64("turn", turn).
		Logger()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[sessionKey] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, sessionKey)
		r.runsMu.Unlock()
	}()

	r.events.BeginTurn(turn)
	r.emit(notifier.EventStart, "Working on it")

	result, err := r.runTurn(execCtx, sessionKey, turn, text, logger)
	result.SessionKey = sessionKey
	result.Turn = turn

	// Exactly one terminal event per turn, emitted here and nowhere else.
	switch {
	case err != nil:
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Turn failed")
		observability.RecordTurn("error", time.Since(start))
		r.emit(notifier.EventError, userFacingError(err))
		return result, err
	case result.Aborted:
		logger.Info().Dur("duration", time.Since(start)).Msg("Turn aborted")
		observability.RecordTurn("aborted", time.Since(start))
		r.emit(notifier.EventError, "Request cancelled")
		return result, nil
	default:
		logger.Info().Dur("duration", time.Since(start)).Msg("Turn completed")
		observability.RecordTurn("ok", time.Since(start))
		r.emit(notifier.EventFinal, result.Response)
		return result, nil
	}
}

func (r *Runner) runTurn(ctx context.Context, sessionKey string, turn int64, text string, logger zerolog.Logger) (TurnResult, error) {
	select {
	case <-ctx.Done():
		return TurnResult{Aborted: true}, nil
	default:
	}

	history, err := r.sessions.Load(ctx, sessionKey)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to load transcript: %w", err)
	}

	messages := r.buildMessages(history, text)
	tools := r.buildTools()

	if err := r.sessions.Append(ctx, sessionKey, session.Message{
		Role:    "user",
		Content: text,
		Turn:    turn,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	r.emit(notifier.EventThinking, "Thinking")

	result, err := r.executeWithFailover(ctx, messages, tools, logger)
	if err != nil {
		return TurnResult{}, err
	}
	if result.Aborted {
		return result, nil
	}

	if err := r.sessions.Append(ctx, sessionKey, session.Message{
		Role:    "assistant",
		Content: result.Response,
		Turn:    turn,
		Metadata: map[string]interface{}{
			"model": r.config.Model,
			"usage": result.Usage,
		},
	}); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	return result, nil
}

func (r *Runner) emit(eventType notifier.EventType, message string) {
	if err := r.events.Notify(eventType, message); err != nil {
		r.logger.Debug().Err(err).Str("type", string(eventType)).Msg("Event not delivered")
	}
}

// userFacingError keeps internal diagnostics out of the wire message.
func userFacingError(err error) string {
	var failure *bridge.Failure
	if e, ok := err.(*bridge.Failure); ok {
		failure = e
	}
	if failure != nil {
		return fmt.Sprintf("Request failed: %s", failure.Message)
	}
	return "Request failed, please try again"
}

// buildMessages assembles the model conversation from the transcript.
func (r *Runner) buildMessages(history []session.Entry, text string) []ChatMessage {
	messages := []ChatMessage{}

	systemPrompt := r.config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are Vizier, an assistant controlling an image viewer. " +
			"Use viewer_exec to change the scene and viewer_info to inspect it."
	}
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})

	for _, entry := range history {
		messages = append(messages, ChatMessage{
			Role:    entry.Message.Role,
			Content: entry.Message.Content,
		})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: text})
	return r.compactIfNeeded(messages)
}

// compactIfNeeded trims old history when the conversation outgrows the token
// budget.
func (r *Runner) compactIfNeeded(messages []ChatMessage) []ChatMessage {
	maxTokens := r.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if EstimateTokens(messages) <= maxTokens {
		return messages
	}

	var system, conversation []ChatMessage
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg)
		} else {
			conversation = append(conversation, msg)
		}
	}

	const recentCount = 20
	if len(conversation) <= recentCount {
		return messages
	}

	older := len(conversation) - recentCount
	r.logger.Info().Int("dropped", older).Msg("Compacting context")

	result := append(system, ChatMessage{
		Role:    "system",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", older),
	})
	return append(result, conversation[older:]...)
}

// buildTools converts registered capabilities into model tool specs.
func (r *Runner) buildTools() []ToolSpec {
	caps := r.capabilities.List()
	if len(caps) == 0 {
		return nil
	}

	specs := make([]ToolSpec, 0, len(caps))
	for _, cap := range caps {
		properties := map[string]interface{}{}
		required := []string{}
		for _, param := range cap.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}

		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}

		specs = append(specs, ToolSpec{
			Name:        cap.Name,
			Description: cap.Description,
			InputSchema: schema,
		})
	}
	return specs
}

// executeWithFailover tries auth profiles in priority order, skipping those
// in cooldown.
func (r *Runner) executeWithFailover(ctx context.Context, messages []ChatMessage, tools []ToolSpec, logger zerolog.Logger) (TurnResult, error) {
	profiles := r.profilesByPriority()

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		result, err := r.runToolLoop(ctx, provider, messages, tools, logger)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordProviderCall(profile.Provider, true)
			return result, nil
		}

		lastErr = err
		observability.RecordProviderCall(profile.Provider, false)
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return TurnResult{}, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable auth profile")
	}
	return TurnResult{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// runToolLoop alternates model calls and capability invocations until the
// model answers without tool calls.
func (r *Runner) runToolLoop(ctx context.Context, provider LLMProvider, messages []ChatMessage, tools []ToolSpec, logger zerolog.Logger) (TurnResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"vizier.agent",
		"agent.tool_loop",
		attribute.String("provider", provider.Provider()),
	)
	defer span.End()

	systemPrompt := ""
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			break
		}
	}

	current := messages
	allToolCalls := []ToolCall{}

	for round := 0; round < maxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return TurnResult{Aborted: true}, nil
		default:
		}

		response, err := r.callLLMWithRetry(ctx, provider, LLMRequest{
			Model:        r.config.Model,
			Messages:     current,
			Tools:        tools,
			Temperature:  r.config.Temperature,
			MaxTokens:    r.config.MaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TurnResult{}, err
		}

		if len(response.ToolCalls) == 0 {
			return TurnResult{
				Response:  response.Content,
				ToolCalls: allToolCalls,
				Usage:     response.Usage,
			}, nil
		}

		current = append(current, ChatMessage{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, tc := range response.ToolCalls {
			logger.Debug().Str("capability", tc.Name).Msg("Model requested capability")

			res := r.capabilities.Invoke(ctx, tc.Name, tc.Parameters)
			content := ""
			if res.Ok() {
				content = fmt.Sprintf("%v", res.Value)
			} else {
				content = res.Failure.Error()
			}

			current = append(current, ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}

		allToolCalls = append(allToolCalls, response.ToolCalls...)
	}

	return TurnResult{}, fmt.Errorf("maximum tool rounds exceeded")
}

// callLLMWithRetry retries transient LLM failures with exponential backoff.
func (r *Runner) callLLMWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	maxRetries := r.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		// 1s, 2s, 4s, ...
		delay := time.Duration(1<<attempt) * time.Second
		r.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// Complete runs a single, tool-free completion with failover. It backs
// script generation, which needs raw model output rather than a turn.
func (r *Runner) Complete(ctx context.Context, system, prompt string) (string, error) {
	request := LLMRequest{
		Model:        r.config.Model,
		Messages:     []ChatMessage{{Role: "user", Content: prompt}},
		Temperature:  r.config.Temperature,
		MaxTokens:    r.config.MaxTokens,
		SystemPrompt: system,
	}

	var lastErr error
	for _, profile := range r.profilesByPriority() {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			continue
		}

		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			continue
		}

		response, err := r.callLLMWithRetry(ctx, provider, request)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordProviderCall(profile.Provider, true)
			return response.Content, nil
		}

		lastErr = err
		observability.RecordProviderCall(profile.Provider, false)
		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return "", err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable auth profile")
	}
	return "", fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) profilesByPriority() []AuthProfile {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
	return profiles
}

func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldown := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldown
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}
