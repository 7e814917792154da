// Package gateway adapts the external planning (Brain) and rendering
// (Painter) models. Calls go through the key pool, carry a timeout, and are
// retried with failover before an error reaches the orchestrator.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

type PlanMode string

const (
	// PlanShots asks for a multi-shot list (legacy workflow).
	PlanShots PlanMode = "shots"
	// PlanPrompt asks for a single prompt breakdown (direct workflow).
	PlanPrompt PlanMode = "prompt"
	// PlanStoryboard asks for per-panel actions derived from a hero image.
	PlanStoryboard PlanMode = "storyboard"
)

type PlanRequest struct {
	Mode            PlanMode          `json:"mode"`
	Requirements    string            `json:"requirements,omitempty"`
	DirectPrompt    string            `json:"direct_prompt,omitempty"`
	ReferenceImages []string          `json:"reference_images,omitempty"`
	HeroImage       string            `json:"hero_image,omitempty"`
	ShotCount       int               `json:"shot_count"`
	Resolution      domain.Resolution `json:"resolution"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	LayoutMode      string            `json:"layout_mode,omitempty"`
}

type PlannedShot struct {
	Code   string `json:"code"`
	Type   string `json:"type,omitempty"`
	Prompt string `json:"prompt"`
}

type Plan struct {
	Shots     []PlannedShot `json:"shots"`
	ProfileID string        `json:"-"`
}

// RenderRequest is the single entry point for every render: first pass,
// retry with feedback, and masked edit differ only in how it is filled.
type RenderRequest struct {
	Prompt          string            `json:"prompt"`
	ReferenceImages []string          `json:"reference_images,omitempty"`
	PriorImage      string            `json:"prior_image,omitempty"`
	Mask            string            `json:"mask,omitempty"`
	Resolution      domain.Resolution `json:"resolution"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
}

type RenderResult struct {
	Image       []byte
	ContentType string
	ProfileID   string
}

type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
}

type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// PlannerBackend performs one planning call with a specific profile.
type PlannerBackend interface {
	Plan(ctx context.Context, p domain.ModelProfile, req PlanRequest) (Plan, error)
}

// RendererBackend performs one render call with a specific profile.
type RendererBackend interface {
	Render(ctx context.Context, p domain.ModelProfile, req RenderRequest) (RenderResult, error)
}

type Class int

const (
	ClassRetryable Class = iota + 1
	// ClassCredential blames the selected profile; the pool fails over.
	ClassCredential
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassCredential:
		return "credential"
	case ClassTerminal:
		return "terminal"
	}
	return "unknown"
}

var (
	ErrEmptyOutput = errors.New("empty or malformed model output")
	// ErrExhausted wraps the last failure once every attempt is spent.
	ErrExhausted = errors.New("model call attempts exhausted")
)

// Error is an adapter failure with its retry class. Messages never carry
// credential material.
type Error struct {
	Class   Class
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s error (status %d): %s", e.Class, e.Status, msg)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) CredentialFailure() bool { return e.Class == ClassCredential }

// ClassOf decides how the caller should react to err.
func ClassOf(err error) Class {
	if err == nil {
		return 0
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyOutput) {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	// Transport failures and anything unrecognised are worth another attempt.
	return ClassRetryable
}

// StatusError classifies an HTTP failure from a gateway.
func StatusError(status int, message string) *Error {
	class := ClassTerminal
	switch {
	case status == 401 || status == 403 || status == 429:
		class = ClassCredential
	case status == 408 || status >= 500:
		class = ClassRetryable
	}
	return &Error{Class: class, Status: status, Message: message}
}
