package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update lost a race or the
// row was not in the state the caller expected.
var ErrConflict = errors.New("conflict")

// SearchFact is one daily search-performance observation. The tuple
// (Date, Property, Page, Query, Country, Device) is its natural key.
type SearchFact struct {
	Date        time.Time `json:"date"`
	Property    string    `json:"property"`
	Page        string    `json:"page"`
	Query       string    `json:"query"`
	Country     string    `json:"country"`
	Device      string    `json:"device"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	CTR         float64   `json:"ctr"`
	Position    float64   `json:"position"`
}

// BehaviorFact is one daily on-site behavior observation for a page, keyed
// by (Date, Property, Page).
type BehaviorFact struct {
	Date            time.Time `json:"date"`
	Property        string    `json:"property"`
	Page            string    `json:"page"`
	Sessions        int64     `json:"sessions"`
	EngagedSessions int64     `json:"engaged_sessions"`
	Conversions     int64     `json:"conversions"`
}

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Watermark records ingestion progress for one (Property, Source) pair.
type Watermark struct {
	Property     string    `json:"property"`
	Source       string    `json:"source"`
	LastDate     time.Time `json:"last_date"` // zero when nothing has been committed yet
	RowsLoaded   int64     `json:"rows_loaded"`
	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LockToken    string    `json:"-"`
	LockedAt     time.Time `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DailyPage is the per-(date, property, page) roll-up of search facts, left
// joined with behavior facts. Nil behavior fields mean no secondary data.
type DailyPage struct {
	Date            time.Time
	Property        string
	Page            string
	Clicks          int64
	Impressions     int64
	CTR             float64
	Position        float64
	Sessions        *int64
	EngagedSessions *int64
	Conversions     *int64
}

// MetricRow is one row of the unified metrics view.
type MetricRow struct {
	Date        time.Time `json:"date"`
	Property    string    `json:"property"`
	Page        string    `json:"page"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	CTR         float64   `json:"ctr"`
	Position    float64   `json:"position"`

	Clicks7d       float64 `json:"clicks_7d"`
	Impressions7d  float64 `json:"impressions_7d"`
	Position7d     float64 `json:"position_7d"`
	Clicks28d      float64 `json:"clicks_28d"`
	Impressions28d float64 `json:"impressions_28d"`
	Position28d    float64 `json:"position_28d"`

	ClicksWoW      *float64 `json:"clicks_wow,omitempty"`
	ImpressionsWoW *float64 `json:"impressions_wow,omitempty"`
	PositionWoW    *float64 `json:"position_wow,omitempty"`

	Sessions        *int64   `json:"sessions,omitempty"`
	EngagedSessions *int64   `json:"engaged_sessions,omitempty"`
	Conversions     *int64   `json:"conversions,omitempty"`
	EngagementRate  *float64 `json:"engagement_rate,omitempty"`
}

// AggregationRun records the last committed unified-metrics pass for a property.
type AggregationRun struct {
	Property    string
	WindowStart time.Time
	WindowEnd   time.Time
	RowsWritten int
	CompletedAt time.Time
}

type Category string

const (
	CategoryAnomaly     Category = "anomaly"
	CategoryOpportunity Category = "opportunity"
	CategoryDiagnosis   Category = "diagnosis"
)

type InsightStatus string

const (
	StatusNew       InsightStatus = "NEW"
	StatusDiagnosed InsightStatus = "DIAGNOSED"
	StatusResolved  InsightStatus = "RESOLVED"
	StatusDismissed InsightStatus = "DISMISSED"
)

// Terminal reports whether no further transitions are possible from s.
func (s InsightStatus) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

type Insight struct {
	ID          string        `json:"id"`
	Property    string        `json:"property"`
	Page        string        `json:"page"`
	Category    Category      `json:"category"`
	Source      string        `json:"source"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Confidence  float64       `json:"confidence"`
	Evidence    string        `json:"evidence"` // JSON object stored as text
	Status      InsightStatus `json:"status"`
	WindowEnd   time.Time     `json:"window_end"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Transition is the audit record of one insight status change.
type Transition struct {
	InsightID string        `json:"insight_id"`
	From      InsightStatus `json:"from"`
	To        InsightStatus `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}

// InsightFilter narrows ListInsights. Zero fields are ignored.
type InsightFilter struct {
	Property string
	Status   InsightStatus
	Category Category
	Page     string
	From     time.Time
	To       time.Time
	Limit    int
}

type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionCancelled  ActionStatus = "cancelled"
)

// Open reports whether the action still counts against its insight.
func (s ActionStatus) Open() bool {
	return s == ActionPending || s == ActionInProgress
}

type Action struct {
	ID           string       `json:"id"`
	InsightID    string       `json:"insight_id"`
	Property     string       `json:"property"`
	Template     string       `json:"template"`
	ActionType   string       `json:"action_type"`
	Title        string       `json:"title"`
	Instructions string       `json:"instructions"`
	Priority     string       `json:"priority"`
	Effort       string       `json:"effort"`
	Impact       string       `json:"impact"` // JSON object stored as text
	Score        float64      `json:"score"`
	Status       ActionStatus `json:"status"`
	Outcome      string       `json:"outcome,omitempty"` // JSON object stored as text
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`

	// Populated by ListActions from the source insight; used for ordering.
	InsightConfidence float64   `json:"insight_confidence"`
	InsightCreatedAt  time.Time `json:"insight_created_at"`
}

// ActionFilter narrows ListActions. Zero fields are ignored.
type ActionFilter struct {
	Property string
	Status   ActionStatus
	From     time.Time // created_at bounds, inclusive
	To       time.Time
	Limit    int
}

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}
