package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
)

// Request payloads

type CreateTaskRequest struct {
	WorkflowKind    string   `json:"workflow_kind" enum:"legacy,direct,hero_storyboard"`
	Requirements    string   `json:"requirements,omitempty"`
	DirectPrompt    string   `json:"direct_prompt,omitempty"`
	ReferenceImages []string `json:"reference_images" minItems:"1"`
	Resolution      string   `json:"resolution,omitempty" enum:"1K,2K,4K"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	ShotCount       int      `json:"shot_count,omitempty" minimum:"0"`
	LayoutMode      string   `json:"layout_mode,omitempty"`
	AutoApprove     bool     `json:"auto_approve,omitempty"`
}

func (r CreateTaskRequest) options(owner string) engine.TaskCreateOptions {
	return engine.TaskCreateOptions{
		Kind:    domain.WorkflowKind(r.WorkflowKind),
		OwnerID: owner,
		Inputs: domain.TaskInputs{
			Requirements:    r.Requirements,
			DirectPrompt:    r.DirectPrompt,
			ReferenceImages: r.ReferenceImages,
			Resolution:      domain.Resolution(r.Resolution),
			AspectRatio:     r.AspectRatio,
			ShotCount:       r.ShotCount,
			LayoutMode:      r.LayoutMode,
			AutoApprove:     r.AutoApprove,
		},
	}
}

type ClaimTaskRequest struct {
	ClaimToken string `json:"claim_token"`
}

type ApproveTaskRequest struct {
	// EditedPrompts maps a shot index to its replacement prompt.
	EditedPrompts map[string]string `json:"edited_prompts,omitempty"`
}

func (r ApproveTaskRequest) prompts() (map[int]string, error) {
	if len(r.EditedPrompts) == 0 {
		return nil, nil
	}
	out := make(map[int]string, len(r.EditedPrompts))
	for k, v := range r.EditedPrompts {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("%w: edited_prompts key %q is not a shot index", engine.ErrValidation, k)
		}
		out[idx] = v
	}
	return out, nil
}

type SelectVersionRequest struct {
	VersionID int `json:"version_id" minimum:"1"`
}

type UpdatePromptRequest struct {
	Prompt string `json:"prompt"`
}

type QCRequest struct {
	Status string `json:"status" enum:"PENDING,APPROVED,NEEDS_FIX"`
}

type RetryShotRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type EditShotRequest struct {
	Instruction string `json:"instruction"`
	// Mask is an optional image (URL or data URI) limiting the edit.
	Mask string `json:"mask,omitempty"`
}

type RetryFailedRequest struct {
	ShotID string `json:"shot_id,omitempty"`
}

type AdjustCreditsRequest struct {
	UserID string `json:"user_id"`
	Type   string `json:"type" enum:"EARN,SPEND"`
	Amount int64  `json:"amount" minimum:"1"`
	Note   string `json:"note,omitempty"`
}

type SweepRequest struct {
	OlderThan string `json:"older_than,omitempty" example:"15m"`
}

type CreateProfileRequest struct {
	Kind    string `json:"kind" enum:"PLANNER,RENDERER"`
	Name    string `json:"name,omitempty"`
	Gateway string `json:"gateway" format:"uri"`
	Model   string `json:"model"`
	Secret  string `json:"secret"`
}

func (r CreateProfileRequest) input() keypool.ProfileInput {
	return keypool.ProfileInput{
		Kind:    domain.ProfileKind(r.Kind),
		Name:    r.Name,
		Gateway: r.Gateway,
		Model:   r.Model,
		Secret:  r.Secret,
	}
}

type PoolRequest struct {
	ProfileIDs []string `json:"profile_ids"`
}

type PrimaryRequest struct {
	ProfileID string `json:"profile_id"`
}

// Response payloads

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type SweepResponse struct {
	Failed []string `json:"failed"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
