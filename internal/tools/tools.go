// Package tools defines the tools the bot may call while answering a
// message, and the registry the engine hands to the model.
package tools

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/nugget/mobo/internal/llm"
	"github.com/nugget/mobo/internal/profile"
	"github.com/nugget/mobo/internal/ratelimit"
	"github.com/nugget/mobo/internal/usage"
)

// ArtifactImage marks an artifact that should be shown as an image.
const ArtifactImage = "image"

// RequestContext identifies who asked and where. It is passed to every
// handler explicitly; tools never read ambient state.
type RequestContext struct {
	TurnID    string
	ActorID   string
	ActorName string
	ChannelID string
	IsBot     bool
	IsDM      bool
}

// Artifact is a side product a tool wants delivered with the reply.
// Either URL or Data is set.
type Artifact struct {
	Type     string
	URL      string
	Data     []byte
	Filename string
}

// Result is what a tool returns. Text is fed back to the model.
type Result struct {
	Text     string
	Artifact *Artifact
}

// Handler executes one tool call.
type Handler func(ctx context.Context, rc RequestContext, args map[string]any) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry holds available tools and the stores they operate on.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger

	profiles   *profile.Store
	retriever  HistoryRetriever
	limiter    *ratelimit.Limiter
	images     ImageGenerator
	imageCap   RateLimit
	usageStore *usage.Store
}

// NewRegistry creates an empty registry. Tools are added by the Set*
// methods as their backing stores become available.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// AllToolNames returns the registered tool names in sorted order.
func (r *Registry) AllToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilteredCopyExcluding returns a registry without the named tools.
// The copy shares tool definitions and stores with r.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	cp := *r
	cp.tools = make(map[string]*Tool, len(r.tools))
	for name, t := range r.tools {
		if slices.Contains(exclude, name) {
			continue
		}
		cp.tools[name] = t
	}
	return &cp
}

// Definitions returns the tool schemas for an LLM request, sorted by name
// so prompts are stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.AllToolNames() {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name. An unknown name returns
// [*ErrToolUnavailable]; unusable arguments return
// [*ErrInvalidArguments] without calling the handler.
func (r *Registry) Execute(ctx context.Context, rc RequestContext, name string, args map[string]any) (Result, error) {
	t := r.tools[name]
	if t == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return Result{}, &ErrInvalidArguments{ToolName: name, Raw: raw}
	}
	if args == nil {
		args = map[string]any{}
	}
	if missing := missingRequired(t.Parameters, args); len(missing) > 0 {
		return Result{}, &ErrInvalidArguments{ToolName: name, Missing: missing}
	}
	return t.Handler(ctx, rc, args)
}

func missingRequired(params map[string]any, args map[string]any) []string {
	var required []string
	switch v := params["required"].(type) {
	case []string:
		required = v
	case []any:
		for _, s := range v {
			if name, ok := s.(string); ok {
				required = append(required, name)
			}
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// stringListArg accepts a JSON array of strings or a single
// comma-separated string, since models produce both.
func stringListArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func stringListSchema(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}
