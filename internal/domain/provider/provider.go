package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskState is the uniform status vocabulary adapters translate into.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// JobSpec is the provider-agnostic description of a generation job.
type JobSpec struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input"`
}

// PollResult is the outcome of one status check. Output is the opaque artifact
// reference (a provider URL) and is set only for TaskSucceeded; Reason is set
// only for TaskFailed.
type PollResult struct {
	State  TaskState
	Output string
	Reason string
}

// SubmissionError means the provider rejected the job outright. Retrying the
// identical payload is futile; the orchestrator fails the generation.
type SubmissionError struct {
	Provider string
	Message  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission rejected: %s", e.Provider, e.Message)
}

// IsSubmissionError reports whether err carries a provider rejection.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// Adapter hides one third-party generation API behind a uniform contract.
// Submit must not retry internally; retry policy belongs to the orchestrator.
// Poll is side-effect free and may be called arbitrarily often; a non-nil error
// from Poll is transient (network, 5xx) and the caller retries with backoff.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, spec JobSpec) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
}

// CallbackParser is implemented by adapters whose provider pushes completion
// webhooks. The parsed result feeds the same terminal-transition logic as Poll.
type CallbackParser interface {
	ParseCallback(payload []byte) (taskID string, result PollResult, err error)
}

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnsupportedKind = errors.New("no provider supports this generation kind")
	ErrTaskNotFound    = errors.New("provider task not found")
)

// Registry routes generation kinds to adapters and resolves adapters by name.
type Registry struct {
	adapters map[string]Adapter
	byKind   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		byKind:   make(map[string]string),
	}
}

// Register adds an adapter and makes it the default for the given kinds unless
// another adapter already claimed them.
func (r *Registry) Register(a Adapter, kinds ...string) {
	r.adapters[a.Name()] = a
	for _, k := range kinds {
		if _, taken := r.byKind[k]; !taken {
			r.byKind[k] = a.Name()
		}
	}
}

// Get resolves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// ForKind returns the default adapter for a generation kind.
func (r *Registry) ForKind(kind string) (Adapter, error) {
	name, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return r.adapters[name], nil
}

// Callback returns the adapter's callback parser, if it has one.
func (r *Registry) Callback(name string) (CallbackParser, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := a.(CallbackParser)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support callbacks", name)
	}
	return p, nil
}
