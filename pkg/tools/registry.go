package tools

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/logger"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Definition is a registered tool plus its registry-level policy.
type Definition struct {
	Tool                 Tool
	ConfirmationRequired bool
	// Source is "local" or the name of the MCP server providing the tool.
	Source string

	schema *jsonschema.Resolved
}

func (d *Definition) Name() string { return d.Tool.Name() }

// Validate checks args against the tool's argument schema.
func (d *Definition) Validate(args map[string]any) error {
	if d.schema == nil {
		return nil
	}
	if err := d.schema.Validate(args); err != nil {
		return goerr.Wrap(ErrInvalidArguments, err.Error(), goerr.V("tool", d.Name()))
	}
	return nil
}

type Option func(*Definition)

// WithConfirmation marks the tool as requiring user approval before it runs.
func WithConfirmation(required bool) Option {
	return func(d *Definition) { d.ConfirmationRequired = required }
}

func WithSource(source string) Option {
	return func(d *Definition) { d.Source = source }
}

// Registry holds the available tools by name.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds tool unless its name is already taken; the first
// registration wins. It reports whether the tool was added.
func (r *Registry) Register(tool Tool, opts ...Option) bool {
	d := &Definition{Tool: tool, Source: "local"}
	for _, opt := range opts {
		opt(d)
	}
	d.schema = resolveSchema(tool)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[tool.Name()]; exists {
		logger.L.Warn("tool already registered, skipping", "tool", tool.Name(), "source", d.Source)
		return false
	}
	r.defs[tool.Name()] = d
	r.order = append(r.order, tool.Name())
	return true
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, goerr.Wrap(ErrUnknownTool, "tool not found", goerr.V("tool", name))
	}
	return d, nil
}

// RequiresConfirmation reports the policy of the named tool. Unknown tools
// never need confirmation; they fail at execution.
func (r *Registry) RequiresConfirmation(name string) bool {
	d, err := r.Get(name)
	return err == nil && d.ConfirmationRequired
}

// List returns all registered tools in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// OpenAITools renders the registry as function definitions for the model.
func (r *Registry) OpenAITools() []openai.Tool {
	defs := r.List()
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name(),
				Description: d.Tool.Description(),
				Parameters:  schemaOf(d.Tool),
			},
		})
	}
	return out
}

func schemaOf(t Tool) json.RawMessage {
	if s := t.Schema(); len(s) > 0 {
		return s
	}
	return emptyObjectSchema
}

func resolveSchema(t Tool) *jsonschema.Resolved {
	var s jsonschema.Schema
	if err := json.Unmarshal(schemaOf(t), &s); err != nil {
		logger.L.Warn("tool schema is not valid JSON; arguments will not be validated", "tool", t.Name(), "error", err)
		return nil
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		logger.L.Warn("tool schema cannot be resolved; arguments will not be validated", "tool", t.Name(), "error", err)
		return nil
	}
	return resolved
}
