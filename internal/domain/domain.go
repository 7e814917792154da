package domain

type TaskStatus string

const (
	StatusCreated              TaskStatus = "CREATED"
	StatusPlanning             TaskStatus = "PLANNING"
	StatusAwaitingApproval     TaskStatus = "AWAITING_APPROVAL"
	StatusRendering            TaskStatus = "RENDERING"
	StatusCompleted            TaskStatus = "COMPLETED"
	StatusFailed               TaskStatus = "FAILED"
	StatusHeroRendering        TaskStatus = "HERO_RENDERING"
	StatusAwaitingHeroApproval TaskStatus = "AWAITING_HERO_APPROVAL"
	StatusStoryboardPlanning   TaskStatus = "STORYBOARD_PLANNING"
	StatusStoryboardReady      TaskStatus = "STORYBOARD_READY"
)

// Terminal reports whether the task as a whole has stopped progressing.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type WorkflowKind string

const (
	WorkflowLegacy         WorkflowKind = "legacy"
	WorkflowDirect         WorkflowKind = "direct"
	WorkflowHeroStoryboard WorkflowKind = "hero_storyboard"
)

func (k WorkflowKind) Valid() bool {
	switch k {
	case WorkflowLegacy, WorkflowDirect, WorkflowHeroStoryboard:
		return true
	}
	return false
}

type ShotType string

const (
	ShotHero       ShotType = "hero"
	ShotStoryboard ShotType = "storyboard"
	ShotPlanned    ShotType = "shot"
	ShotDirect     ShotType = "direct"
)

type QCStatus string

const (
	QCPending  QCStatus = "PENDING"
	QCApproved QCStatus = "APPROVED"
	QCNeedsFix QCStatus = "NEEDS_FIX"
)

func (q QCStatus) Valid() bool {
	return q == QCPending || q == QCApproved || q == QCNeedsFix
}

type RenderStatus string

const (
	RenderPending   RenderStatus = "PENDING"
	RenderRunning   RenderStatus = "RENDERING"
	RenderSucceeded RenderStatus = "RENDERED"
	RenderFailed    RenderStatus = "FAILED"
)

type Resolution string

const (
	Resolution1K Resolution = "1K"
	Resolution2K Resolution = "2K"
	Resolution4K Resolution = "4K"
)

func (r Resolution) Valid() bool {
	return r == Resolution1K || r == Resolution2K || r == Resolution4K
}

// TaskInputs is the creative brief captured at creation time.
type TaskInputs struct {
	Requirements    string     `json:"requirements,omitempty"`
	DirectPrompt    string     `json:"direct_prompt,omitempty"`
	ReferenceImages []string   `json:"reference_images"`
	Resolution      Resolution `json:"resolution" enum:"1K,2K,4K"`
	AspectRatio     string     `json:"aspect_ratio,omitempty"`
	ShotCount       int        `json:"shot_count"`
	LayoutMode      string     `json:"layout_mode,omitempty"`
	AutoApprove     bool       `json:"auto_approve"`
}

type Task struct {
	ID             string       `json:"id"`
	Status         TaskStatus   `json:"status" enum:"CREATED,PLANNING,AWAITING_APPROVAL,RENDERING,COMPLETED,FAILED,HERO_RENDERING,AWAITING_HERO_APPROVAL,STORYBOARD_PLANNING,STORYBOARD_READY"`
	WorkflowKind   WorkflowKind `json:"workflow_kind" enum:"legacy,direct,hero_storyboard"`
	OwnerID        *string      `json:"owner_id,omitempty"`
	ClaimTokenHash *string      `json:"-"`
	Inputs         TaskInputs   `json:"inputs"`
	PlanJSON       *string      `json:"plan_json,omitempty"`
	Shots          []Shot       `json:"shots"`
	Error          *string      `json:"error,omitempty"`
	ChargedAmount  int64        `json:"charged_amount"`
	Revision       int          `json:"revision"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

// Owned reports whether the task is bound to a user.
func (t Task) Owned() bool {
	return t.OwnerID != nil && *t.OwnerID != ""
}

// ShotByIndex returns the shot at the given position in plan order.
func (t Task) ShotByIndex(index int) (Shot, bool) {
	for _, s := range t.Shots {
		if s.Index == index {
			return s, true
		}
	}
	return Shot{}, false
}

func (t Task) ShotByID(id string) (Shot, bool) {
	for _, s := range t.Shots {
		if s.ID == id {
			return s, true
		}
	}
	return Shot{}, false
}

// VersionCount is the number of rendered versions across all shots.
func (t Task) VersionCount() int {
	n := 0
	for _, s := range t.Shots {
		n += len(s.Versions)
	}
	return n
}

type Shot struct {
	ID               string       `json:"id"`
	TaskID           string       `json:"task_id"`
	Index            int          `json:"index"`
	ShotCode         string       `json:"shot_code"`
	Type             ShotType     `json:"type" enum:"hero,storyboard,shot,direct"`
	Prompt           string       `json:"prompt"`
	QCStatus         QCStatus     `json:"qc_status" enum:"PENDING,APPROVED,NEEDS_FIX"`
	RenderStatus     RenderStatus `json:"render_status" enum:"PENDING,RENDERING,RENDERED,FAILED"`
	LastError        *string      `json:"last_error,omitempty"`
	CurrentVersionID *int         `json:"current_version_id,omitempty"`
	Versions         []Version    `json:"versions"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
}

// NeedsRender reports whether the shot has no usable output yet. A failed
// re-render leaves the earlier versions usable.
func (s Shot) NeedsRender() bool {
	return len(s.Versions) == 0
}

func (s Shot) Current() (Version, bool) {
	if s.CurrentVersionID == nil {
		return Version{}, false
	}
	for _, v := range s.Versions {
		if v.VersionID == *s.CurrentVersionID {
			return v, true
		}
	}
	return Version{}, false
}

type Version struct {
	ShotID     string `json:"shot_id"`
	VersionID  int    `json:"version_id"`
	ImagePath  string `json:"image_path"`
	PromptUsed string `json:"prompt_used"`
	ProfileID  string `json:"profile_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type TransactionType string

const (
	TransactionEarn  TransactionType = "EARN"
	TransactionSpend TransactionType = "SPEND"
)

const (
	ReasonTaskCharge  = "task_charge"
	ReasonTaskRefund  = "task_refund"
	ReasonAdminAdjust = "admin_adjust"
)

type CreditTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type" enum:"EARN,SPEND"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	RelatedTaskID *string         `json:"related_task_id,omitempty"`
	Reason        string          `json:"reason"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

// Signed returns the balance delta the transaction applied.
func (c CreditTransaction) Signed() int64 {
	if c.Type == TransactionSpend {
		return -c.Amount
	}
	return c.Amount
}

type ProfileKind string

const (
	KindPlanner  ProfileKind = "PLANNER"
	KindRenderer ProfileKind = "RENDERER"
)

func (k ProfileKind) Valid() bool {
	return k == KindPlanner || k == KindRenderer
}

// Nickname is the product-facing name of the kind.
func (k ProfileKind) Nickname() string {
	switch k {
	case KindPlanner:
		return "Brain"
	case KindRenderer:
		return "Painter"
	}
	return string(k)
}

type ModelProfile struct {
	ID        string      `json:"id"`
	Kind      ProfileKind `json:"kind" enum:"PLANNER,RENDERER"`
	Name      string      `json:"name,omitempty"`
	Gateway   string      `json:"gateway"`
	Model     string      `json:"model"`
	Secret    string      `json:"-"`
	Disabled  bool        `json:"disabled"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Balance   int64  `json:"balance"`
	Admin     bool   `json:"admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
