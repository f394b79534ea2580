package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mobo/internal/httpkit"
	"github.com/nugget/mobo/internal/ratelimit"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ImageResource is the rate-limit resource name for image generation.
const ImageResource = "image_generation"

// ImageGenerator turns a prompt into an image artifact.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*Artifact, error)
}

// RateLimit is the ceiling applied to a rate-limited tool.
type RateLimit struct {
	MaxRequests int
	Period      ratelimit.Period
	// PerUser gives every actor their own bucket instead of one shared
	// bucket for the whole bot.
	PerUser bool
}

// SetImageGenerator adds the generate_image tool. When limiter is
// non-nil every call is charged against limit first.
func (r *Registry) SetImageGenerator(gen ImageGenerator, limiter *ratelimit.Limiter, limit RateLimit) {
	r.images = gen
	r.limiter = limiter
	r.imageCap = limit
	r.registerImageTools()
}

func (r *Registry) registerImageTools() {
	if r.images == nil {
		return
	}

	r.Register(&Tool{
		Name: "generate_image",
		Description: "Generate an image from a text description and attach it to your reply. " +
			"Only use this when the user explicitly asks for a picture or drawing. " +
			"Image generation is rate limited.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "A detailed description of the image to create",
				},
			},
			"required": []string{"prompt"},
		},
		Handler: r.handleGenerateImage,
	})

	if r.limiter != nil {
		r.Register(&Tool{
			Name:        "get_rate_limit_status",
			Description: "Check how many image generations the user has left in the current period.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: r.handleRateLimitStatus,
		})
	}
}

func (r *Registry) imageBucketActor(rc RequestContext) string {
	if r.imageCap.PerUser {
		return rc.ActorID
	}
	return ""
}

func (r *Registry) handleGenerateImage(ctx context.Context, rc RequestContext, args map[string]any) (Result, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	if r.limiter != nil && r.imageCap.MaxRequests > 0 {
		_, err := r.limiter.CheckAndIncrement(ctx, ratelimit.Request{
			Resource:    ImageResource,
			MaxRequests: r.imageCap.MaxRequests,
			Period:      r.imageCap.Period,
			ActorID:     r.imageBucketActor(rc),
		})
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			r.logger.Info("image generation refused by rate limit",
				"actor_id", rc.ActorID,
				"used", exceeded.Current,
				"limit", exceeded.Limit,
			)
			return Result{Text: fmt.Sprintf(
				"Image generation limit reached (%d per %s). Tell the user it resets at %s.",
				exceeded.Limit, r.imageCap.Period, exceeded.ResetAt.Format(time.RFC1123),
			)}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("check image rate limit: %w", err)
		}
	}

	art, err := r.images.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:     fmt.Sprintf("Image generated for %q and attached to the reply.", prompt),
		Artifact: art,
	}, nil
}

func (r *Registry) handleRateLimitStatus(ctx context.Context, rc RequestContext, _ map[string]any) (Result, error) {
	u, err := r.limiter.Status(ctx, ImageResource, r.imageCap.Period, r.imageBucketActor(rc), r.imageCap.MaxRequests)
	if err != nil {
		return Result{}, err
	}
	scope := "shared by everyone"
	if r.imageCap.PerUser {
		scope = "for " + displayName(rc)
	}
	return Result{Text: fmt.Sprintf(
		"Image generation (%s): %d of %d used this %s, %d remaining. Resets at %s.",
		scope, u.CurrentUsage, u.MaxUsage, u.Period, u.Remaining, u.ResetAt.Format(time.RFC1123),
	)}, nil
}

// OpenAIImagesConfig configures [OpenAIImages].
type OpenAIImagesConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
	Timeout time.Duration
}

// OpenAIImages generates images through the OpenAI images API.
type OpenAIImages struct {
	api    openai.Client
	model  string
	size   string
	logger *slog.Logger
}

// NewOpenAIImages creates an image generator.
func NewOpenAIImages(cfg OpenAIImagesConfig, logger *slog.Logger) *OpenAIImages {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.ImageModelDallE3)
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIImages{
		api:    openai.NewClient(opts...),
		model:  cfg.Model,
		size:   cfg.Size,
		logger: logger,
	}
}

// Generate creates one image for prompt.
func (g *OpenAIImages) Generate(ctx context.Context, prompt string) (*Artifact, error) {
	start := time.Now()
	resp, err := g.api.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(g.model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(g.size),
	})
	if err != nil {
		return nil, fmt.Errorf("generate image with %s: %w", g.model, err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("image response contained no images")
	}

	img := resp.Data[0]
	g.logger.Debug("image generated",
		"model", g.model,
		"size", g.size,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	art := &Artifact{Type: ArtifactImage, Filename: "image.png"}
	switch {
	case img.URL != "":
		art.URL = img.URL
	case img.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image data: %w", err)
		}
		art.Data = data
	default:
		return nil, errors.New("image response had neither URL nor data")
	}
	return art, nil
}
