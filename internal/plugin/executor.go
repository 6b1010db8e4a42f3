package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonathan/workflow-runner/internal/schemas"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Default retry bounds of Execute.
const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 100 * time.Millisecond
)

// Executor initializes and executes plugins from a registry.
type Executor struct {
	registry    *Registry
	hydrator    SecretHydrator
	schemas     *schemas.Cache
	logger      *zap.SugaredLogger
	maxAttempts int
	retryBase   time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHydrator sets the secret hydrator. Defaults to EnvHydrator.
func WithHydrator(h SecretHydrator) ExecutorOption {
	return func(e *Executor) { e.hydrator = h }
}

// WithRetry sets the attempt cap and base delay of the execute retry.
func WithRetry(maxAttempts int, base time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.maxAttempts = maxAttempts
		e.retryBase = base
	}
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, logger *zap.SugaredLogger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		hydrator:    EnvHydrator{},
		schemas:     schemas.NewCache(),
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBase,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	if e.retryBase <= 0 {
		e.retryBase = DefaultRetryBase
	}
	return e
}

// Initialize loads the plugin, validates its raw config, hydrates secrets,
// validates again and initializes the instance. label tags every log line.
func (e *Executor) Initialize(ctx context.Context, spec Spec, label string) (*Handle, error) {
	log := e.logger.With("context", label, "pluginId", spec.PluginID)

	p, err := e.registry.Load(spec.PluginID)
	if err != nil {
		return nil, err
	}
	declared := p.Schemas()

	if err := e.validate(spec.PluginID, "config", declared.Config, spec.Config); err != nil {
		return nil, err
	}
	hydrated, err := e.hydrator.Hydrate(ctx, spec.Config)
	if err != nil {
		return nil, newError(spec.PluginID, OpHydrateSecrets, err)
	}
	if err := e.validate(spec.PluginID, "config", declared.Config, hydrated); err != nil {
		return nil, err
	}
	log.Debugw("plugin config validated")

	if p.ID() != spec.PluginID {
		return nil, newError(spec.PluginID, OpLoad,
			fmt.Errorf("loaded plugin declares id %q", p.ID()))
	}
	if err := p.Initialize(ctx, hydrated); err != nil {
		return nil, &Error{PluginID: spec.PluginID, Operation: OpInitialize, Retryable: IsRetryable(err), Err: err}
	}

	log.Infow("plugin initialized")
	return &Handle{spec: spec, plugin: p}, nil
}

// Execute validates input, runs the plugin and validates its output. The
// whole sequence is retried with exponential backoff while the failure is
// retryable.
func (e *Executor) Execute(ctx context.Context, h *Handle, input json.RawMessage, label string) (json.RawMessage, error) {
	log := e.logger.With("context", label, "pluginId", h.spec.PluginID)

	var output json.RawMessage
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(e.maxAttempts-1), retry.NewExponential(e.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := e.executeOnce(ctx, h, input)
		if err != nil {
			if IsRetryable(err) {
				log.Debugw("plugin execution failed, retrying", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		log.Errorw("plugin execution failed", "attempts", attempt, "error", err)
		return nil, err
	}

	log.Infow("plugin executed", "attempts", attempt)
	return output, nil
}

func (e *Executor) executeOnce(ctx context.Context, h *Handle, input json.RawMessage) (json.RawMessage, error) {
	id := h.spec.PluginID
	declared := h.plugin.Schemas()
	if err := e.validate(id, "input", declared.Input, input); err != nil {
		return nil, err
	}
	output, err := h.plugin.Execute(ctx, input)
	if err != nil {
		return nil, &Error{PluginID: id, Operation: OpExecute, Retryable: IsRetryable(err), Err: err}
	}
	if err := e.validate(id, "output", declared.Output, output); err != nil {
		return nil, err
	}
	return output, nil
}

func (e *Executor) validate(pluginID, kind, schema string, document json.RawMessage) error {
	if schema == "" {
		return nil
	}
	compiled, err := e.schemas.Get(pluginID+" "+kind, schema)
	if err != nil {
		return newError(pluginID, OpValidate, err)
	}
	if err := compiled.Validate(document); err != nil {
		return newError(pluginID, OpValidate, err)
	}
	return nil
}
