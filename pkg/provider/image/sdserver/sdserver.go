// Package sdserver provides an image provider for stable-diffusion.cpp's
// sd-server (and other servers exposing the OpenAI images API).
//
// Requests go to POST {base}/v1/images/generations with a base64 PNG
// response. sd-server reads sampler settings from an
// <sd_cpp_extra_args> JSON block appended to the prompt; the block is added
// on the way out and stripped again from the prompt reported back.
package sdserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/lorekeeper/pkg/provider/image"
)

const extraArgsOpen = " <sd_cpp_extra_args>"

// Provider implements image.Provider against an sd-server.
type Provider struct {
	client oai.Client
	model  string
}

var _ image.Provider = (*Provider)(nil)

type config struct {
	apiKey  string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIKey sets a bearer token for servers that require one.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithModel sets the model field of each request.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets the HTTP timeout. Generation at high step counts can take
// minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New returns a Provider for the server at baseURL (e.g.
// "http://127.0.0.1:7860").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("sdserver: base URL must not be empty")
	}
	cfg := &config{apiKey: "sd-server"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/v1/"),
		option.WithAPIKey(cfg.apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Name implements image.Provider.
func (p *Provider) Name() string { return "sdserver" }

// Generate implements image.Provider.
func (p *Provider) Generate(ctx context.Context, req image.Request) (*image.Result, error) {
	clean := CleanPrompt(req.Prompt)
	if clean == "" {
		return nil, errors.New("sdserver: empty prompt")
	}
	prompt, err := EmbedSteps(clean, req.Steps)
	if err != nil {
		return nil, fmt.Errorf("sdserver: %w", err)
	}

	params := oai.ImageGenerateParams{
		Prompt:         prompt,
		N:              param.NewOpt(int64(1)),
		ResponseFormat: oai.ImageGenerateParamsResponseFormatB64JSON,
		OutputFormat:   oai.ImageGenerateParamsOutputFormatPNG,
	}
	if req.Size != "" {
		params.Size = oai.ImageGenerateParamsSize(req.Size)
	}
	if p.model != "" {
		params.Model = oai.ImageModel(p.model)
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("sdserver: generate: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("sdserver: no image data in response")
	}
	png, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("sdserver: decode image: %w", err)
	}

	created := time.Now().UTC()
	if resp.Created > 0 {
		created = time.Unix(resp.Created, 0).UTC()
	}
	return &image.Result{
		PNG:     png,
		Prompt:  clean,
		Size:    req.Size,
		Steps:   req.Steps,
		Created: created,
	}, nil
}

// EmbedSteps appends the sd-server extra-args block carrying steps. A
// non-positive steps value returns prompt unchanged.
func EmbedSteps(prompt string, steps int) (string, error) {
	if steps <= 0 {
		return prompt, nil
	}
	args, err := json.Marshal(map[string]int{"steps": steps})
	if err != nil {
		return "", err
	}
	return prompt + extraArgsOpen + string(args) + "</sd_cpp_extra_args>", nil
}

// CleanPrompt strips an extra-args block and surrounding whitespace.
func CleanPrompt(prompt string) string {
	if i := strings.Index(prompt, extraArgsOpen); i >= 0 {
		prompt = prompt[:i]
	}
	return strings.TrimSpace(prompt)
}
