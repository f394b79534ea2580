package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/mobo/internal/profile"
)

// SetProfileStore adds the profile tools to the registry. They always
// act on the profile of the person who sent the message.
func (r *Registry) SetProfileStore(store *profile.Store) {
	r.profiles = store
	r.registerProfileTools()
}

func (r *Registry) registerProfileTools() {
	if r.profiles == nil {
		return
	}

	r.Register(&Tool{
		Name: "set_response_tone",
		Description: "Change the tone you use when replying to this user. " +
			"Call this when the user asks you to be more formal, casual, playful, terse, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tone": map[string]any{
					"type":        "string",
					"description": "A short description of the tone, e.g. 'formal', 'casual', 'sarcastic'",
				},
			},
			"required": []string{"tone"},
		},
		Handler: r.handleSetTone,
	})

	termTools := []struct {
		name        string
		description string
		kind        profile.TermKind
		remove      bool
	}{
		{"add_likes", "Remember things the user says they like.", profile.KindLike, false},
		{"add_dislikes", "Remember things the user says they dislike.", profile.KindDislike, false},
		{"remove_likes", "Forget things the user previously said they like.", profile.KindLike, true},
		{"remove_dislikes", "Forget things the user previously said they dislike.", profile.KindDislike, true},
	}
	for _, tt := range termTools {
		r.Register(&Tool{
			Name:        tt.name,
			Description: tt.description,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"items": stringListSchema("Short phrases, one per item"),
				},
				"required": []string{"items"},
			},
			Handler: r.termHandler(tt.kind, tt.remove),
		})
	}

	r.Register(&Tool{
		Name:        "add_alias",
		Description: "Remember a name or nickname the user wants to be called.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"alias": map[string]any{
					"type":        "string",
					"description": "The preferred name",
				},
			},
			"required": []string{"alias"},
		},
		Handler: r.handleAddAlias,
	})
}

func (r *Registry) handleSetTone(ctx context.Context, rc RequestContext, args map[string]any) (Result, error) {
	tone := stringArg(args, "tone")
	if tone == "" {
		return Result{}, fmt.Errorf("tone is required")
	}
	if _, err := r.profiles.GetOrCreate(ctx, rc.ActorID, rc.ActorName); err != nil {
		return Result{}, err
	}
	if err := r.profiles.SetTone(ctx, rc.ActorID, tone); err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("Response tone for %s set to %q.", displayName(rc), tone)}, nil
}

func (r *Registry) termHandler(kind profile.TermKind, remove bool) Handler {
	return func(ctx context.Context, rc RequestContext, args map[string]any) (Result, error) {
		items := stringListArg(args, "items")
		if len(items) == 0 {
			return Result{}, fmt.Errorf("items must list at least one entry")
		}
		if _, err := r.profiles.GetOrCreate(ctx, rc.ActorID, rc.ActorName); err != nil {
			return Result{}, err
		}

		noun := string(kind) + "s"
		if remove {
			removed, err := r.profiles.RemoveTerms(ctx, rc.ActorID, kind, items)
			if err != nil {
				return Result{}, err
			}
			if len(removed) == 0 {
				return Result{Text: fmt.Sprintf("None of those were in %s's %s.", displayName(rc), noun)}, nil
			}
			return Result{Text: fmt.Sprintf("Removed from %s's %s: %s.", displayName(rc), noun, strings.Join(removed, ", "))}, nil
		}

		added, err := r.profiles.AddTerms(ctx, rc.ActorID, kind, items)
		if err != nil {
			return Result{}, err
		}
		if len(added) == 0 {
			return Result{Text: fmt.Sprintf("Already known in %s's %s.", displayName(rc), noun)}, nil
		}
		return Result{Text: fmt.Sprintf("Added to %s's %s: %s.", displayName(rc), noun, strings.Join(added, ", "))}, nil
	}
}

func (r *Registry) handleAddAlias(ctx context.Context, rc RequestContext, args map[string]any) (Result, error) {
	alias := stringArg(args, "alias")
	if alias == "" {
		return Result{}, fmt.Errorf("alias is required")
	}
	if _, err := r.profiles.GetOrCreate(ctx, rc.ActorID, rc.ActorName); err != nil {
		return Result{}, err
	}
	if _, err := r.profiles.AddTerms(ctx, rc.ActorID, profile.KindAlias, []string{alias}); err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("Will call %s %q from now on.", displayName(rc), alias)}, nil
}

func displayName(rc RequestContext) string {
	if rc.ActorName != "" {
		return rc.ActorName
	}
	return rc.ActorID
}
