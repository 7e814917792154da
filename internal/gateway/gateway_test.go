package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/gateway"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
)

type rotatingPool struct {
	mu       sync.Mutex
	profiles []domain.ModelProfile
	next     int
	selected []string
}

func (p *rotatingPool) Select(_ context.Context, _ domain.ProfileKind) (keypool.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profiles[p.next%len(p.profiles)]
	p.next++
	p.selected = append(p.selected, prof.ID)
	return keypool.Lease{Profile: prof}, nil
}

func profilesFor(url string, ids ...string) []domain.ModelProfile {
	var out []domain.ModelProfile
	for _, id := range ids {
		out = append(out, domain.ModelProfile{ID: id, Gateway: url, Model: "m", Secret: "sk-" + id})
	}
	return out
}

func TestStatusErrorClassification(t *testing.T) {
	cases := map[int]gateway.Class{
		401: gateway.ClassCredential,
		403: gateway.ClassCredential,
		429: gateway.ClassCredential,
		408: gateway.ClassRetryable,
		500: gateway.ClassRetryable,
		503: gateway.ClassRetryable,
		400: gateway.ClassTerminal,
		422: gateway.ClassTerminal,
	}
	for status, want := range cases {
		assert.Equal(t, want, gateway.StatusError(status, "x").Class, "status %d", status)
	}
	assert.Equal(t, gateway.ClassRetryable, gateway.ClassOf(context.DeadlineExceeded))
	assert.Equal(t, gateway.ClassTerminal, gateway.ClassOf(context.Canceled))
	assert.Equal(t, gateway.ClassRetryable, gateway.ClassOf(gateway.ErrEmptyOutput))
	assert.True(t, gateway.StatusError(429, "").CredentialFailure())
}

func TestHTTPPlanParsesShots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-a", r.Header.Get("Authorization"))
		content := "```json\n{\"shots\":[{\"code\":\"S1\",\"prompt\":\"front view\"},{\"code\":\"S2\",\"prompt\":\"  \"},{\"code\":\"S3\",\"prompt\":\"side view\"}]}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	defer srv.Close()

	plan, err := gateway.HTTPClient{}.Plan(context.Background(), profilesFor(srv.URL, "a")[0], gateway.PlanRequest{
		Mode: gateway.PlanShots, Requirements: "summer dress", ShotCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, plan.Shots, 2)
	assert.Equal(t, "S1", plan.Shots[0].Code)
	assert.Equal(t, "side view", plan.Shots[1].Prompt)
}

func TestHTTPPlanMalformedIsEmptyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "not json"}}},
		})
	}))
	defer srv.Close()

	_, err := gateway.HTTPClient{}.Plan(context.Background(), profilesFor(srv.URL, "a")[0], gateway.PlanRequest{Mode: gateway.PlanPrompt})
	assert.ErrorIs(t, err, gateway.ErrEmptyOutput)
	assert.Equal(t, gateway.ClassRetryable, gateway.ClassOf(err))
}

func TestHTTPRenderDecodesImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nrest")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "b64_json", body["response_format"])
		assert.Equal(t, "mask-ref", body["mask"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	}))
	defer srv.Close()

	res, err := gateway.HTTPClient{}.Render(context.Background(), profilesFor(srv.URL, "a")[0], gateway.RenderRequest{
		Prompt: "p", PriorImage: "prior", Mask: "mask-ref", Resolution: domain.Resolution2K,
	})
	require.NoError(t, err)
	assert.Equal(t, png, res.Image)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestHTTPErrorDoesNotLeakSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := gateway.HTTPClient{}.Probe(context.Background(), profilesFor(srv.URL, "a")[0])
	require.Error(t, err)
	assert.Equal(t, gateway.ClassCredential, gateway.ClassOf(err))
	assert.NotContains(t, err.Error(), "sk-a")
}

func TestPooledRendererFailsOverOnCredentialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sk-bad" {
			http.Error(w, "quota", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString([]byte("img"))}},
		})
	}))
	defer srv.Close()

	pool := &rotatingPool{profiles: profilesFor(srv.URL, "bad", "good")}
	r := gateway.PooledRenderer{
		Pool:    pool,
		Backend: gateway.HTTPClient{},
		Policy:  gateway.RetryPolicy{MaxAttempts: 3, Timeout: time.Second, Backoff: time.Hour},
		Log:     zerolog.Nop(),
	}
	res, err := r.Render(context.Background(), gateway.RenderRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "good", res.ProfileID)
	assert.Equal(t, []string{"bad", "good"}, pool.selected)
}

type scriptedPlanner struct {
	errs  []error
	calls int
}

func (s *scriptedPlanner) Plan(_ context.Context, _ domain.ModelProfile, _ gateway.PlanRequest) (gateway.Plan, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return gateway.Plan{}, err
		}
	}
	return gateway.Plan{Shots: []gateway.PlannedShot{{Code: "S1", Prompt: "p"}}}, nil
}

func TestPooledPlannerStopsOnTerminal(t *testing.T) {
	backend := &scriptedPlanner{errs: []error{gateway.StatusError(400, "bad request")}}
	p := gateway.PooledPlanner{
		Pool:    &rotatingPool{profiles: profilesFor("http://unused", "a", "b")},
		Backend: backend,
		Policy:  gateway.RetryPolicy{MaxAttempts: 3},
		Log:     zerolog.Nop(),
	}
	_, err := p.Plan(context.Background(), gateway.PlanRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, gateway.ClassTerminal, gateway.ClassOf(err))
}

func TestPooledPlannerRetriesThenExhausts(t *testing.T) {
	backend := &scriptedPlanner{errs: []error{
		gateway.StatusError(503, "busy"), gateway.StatusError(503, "busy"),
	}}
	p := gateway.PooledPlanner{
		Pool:    &rotatingPool{profiles: profilesFor("http://unused", "a")},
		Backend: backend,
		Policy:  gateway.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		Log:     zerolog.Nop(),
	}
	plan, err := p.Plan(context.Background(), gateway.PlanRequest{})
	require.NoError(t, err)
	assert.Equal(t, "a", plan.ProfileID)
	assert.Equal(t, 3, backend.calls)

	backend = &scriptedPlanner{errs: []error{
		gateway.StatusError(503, "busy"), gateway.StatusError(503, "busy"),
	}}
	p.Backend = backend
	p.Policy.MaxAttempts = 2
	_, err = p.Plan(context.Background(), gateway.PlanRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrExhausted))
	assert.Equal(t, gateway.ClassTerminal, gateway.ClassOf(err))
}
