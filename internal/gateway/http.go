package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

const maxErrorBody = 256

// HTTPClient speaks the OpenAI-compatible protocol most model gateways
// expose: chat completions for planning, image generations for rendering.
type HTTPClient struct {
	HTTP *http.Client
}

func (c HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c HTTPClient) do(ctx context.Context, p domain.ModelProfile, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.Gateway, "/")+path, reader)
	if err != nil {
		return &Error{Class: ClassTerminal, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+p.Secret)
	resp, err := c.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Class: ClassRetryable, Message: "model call timed out", Err: ctx.Err()}
		}
		return &Error{Class: ClassRetryable, Message: "gateway unreachable", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Class: ClassRetryable, Message: "read response", Err: err}
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if strings.Contains(strings.ToLower(msg), "content_policy") {
			return &Error{Class: ClassTerminal, Status: resp.StatusCode, Message: "content policy rejection"}
		}
		return StatusError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyOutput, err)
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var planInstructions = map[PlanMode]string{
	PlanShots:      `Return JSON {"shots":[{"code":string,"prompt":string}]} with exactly the requested number of fashion shots.`,
	PlanPrompt:     `Return JSON {"shots":[{"code":string,"prompt":string}]} with a single image prompt built from the brief.`,
	PlanStoryboard: `Return JSON {"shots":[{"code":string,"prompt":string}]} describing storyboard panels that keep the hero image's model and garment.`,
}

// Plan implements PlannerBackend.
func (c HTTPClient) Plan(ctx context.Context, p domain.ModelProfile, req PlanRequest) (Plan, error) {
	brief, err := json.Marshal(req)
	if err != nil {
		return Plan{}, err
	}
	parts := []contentPart{{Type: "text", Text: string(brief)}}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: ref}})
	}
	if req.HeroImage != "" {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: req.HeroImage}})
	}
	var resp chatResponse
	err = c.do(ctx, p, http.MethodPost, "/v1/chat/completions", chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: planInstructions[req.Mode]},
			{Role: "user", Content: parts},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}, &resp)
	if err != nil {
		return Plan{}, err
	}
	if len(resp.Choices) == 0 {
		return Plan{}, ErrEmptyOutput
	}
	var plan Plan
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &plan); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrEmptyOutput, err)
	}
	kept := plan.Shots[:0]
	for _, s := range plan.Shots {
		if strings.TrimSpace(s.Prompt) != "" {
			kept = append(kept, s)
		}
	}
	plan.Shots = kept
	if len(plan.Shots) == 0 {
		return Plan{}, ErrEmptyOutput
	}
	return plan, nil
}

type imageRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	N              int      `json:"n"`
	Size           string   `json:"size,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	Images         []string `json:"image,omitempty"`
	Mask           string   `json:"mask,omitempty"`
	ResponseFormat string   `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Render implements RendererBackend.
func (c HTTPClient) Render(ctx context.Context, p domain.ModelProfile, req RenderRequest) (RenderResult, error) {
	images := append([]string(nil), req.ReferenceImages...)
	if req.PriorImage != "" {
		images = append(images, req.PriorImage)
	}
	var resp imageResponse
	err := c.do(ctx, p, http.MethodPost, "/v1/images/generations", imageRequest{
		Model:          p.Model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           string(req.Resolution),
		AspectRatio:    req.AspectRatio,
		Images:         images,
		Mask:           req.Mask,
		ResponseFormat: "b64_json",
	}, &resp)
	if err != nil {
		return RenderResult{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return RenderResult{}, ErrEmptyOutput
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return RenderResult{}, fmt.Errorf("%w: %v", ErrEmptyOutput, err)
	}
	return RenderResult{Image: img, ContentType: http.DetectContentType(img)}, nil
}

// Probe implements keypool.Prober with a model listing call.
func (c HTTPClient) Probe(ctx context.Context, p domain.ModelProfile) error {
	return c.do(ctx, p, http.MethodGet, "/v1/models", nil, nil)
}
