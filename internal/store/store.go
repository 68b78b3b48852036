package store

import (
	"context"
	"encoding/json"
	"time"

	"meropaalo/queue-engine/internal/models"
)

type ActivateQueueDayInput struct {
	DepartmentID string
	Date         string
	StartTime    string
	EndTime      string
	CreatedAt    time.Time
}

type IssueTokenInput struct {
	RequestID     string
	DepartmentID  string
	Date          string
	CustomerName  string
	CustomerEmail string
	IssuedAt      time.Time
}

type AdvanceTokenInput struct {
	TokenID    string
	ToStatus   string
	CounterID  string
	OccurredAt time.Time
}

type ServeNextInput struct {
	RequestID    string
	DepartmentID string
	Date         string
	CounterID    string
	ServedAt     time.Time
}

type Dashboard struct {
	QueueStatus            string  `json:"queue_status"`
	CurrentServingNumber   *int    `json:"current_serving_number"`
	TotalWaitingTokens     int     `json:"total_waiting_tokens"`
	TokensToday            int     `json:"tokens_today"`
	AverageWaitTimeMinutes float64 `json:"average_wait_time_minutes"`
	TotalCompletedToday    int     `json:"total_completed_today"`
}

type PublicInfo struct {
	DepartmentName       string `json:"department_name"`
	QueueStatus          string `json:"queue_status"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	AheadCount           int    `json:"ahead_count"`
}

type QueueStore interface {
	ListDepartments(ctx context.Context) ([]models.Department, error)

	ActivateQueueDay(ctx context.Context, input ActivateQueueDayInput) (models.QueueDay, bool, error)
	ListQueueDays(ctx context.Context, departmentID string) ([]models.QueueDay, error)
	PauseQueueDay(ctx context.Context, queueDayID string) (models.QueueDay, error)
	ResumeQueueDay(ctx context.Context, queueDayID string) (models.QueueDay, error)
	CloseQueueDay(ctx context.Context, queueDayID string, closedAt time.Time) (models.QueueDay, int, error)
	ResetQueueDay(ctx context.Context, queueDayID string) (int, error)

	IssueToken(ctx context.Context, input IssueTokenInput) (models.Token, bool, error)
	CancelToken(ctx context.Context, tokenID string) (models.Token, error)
	AdvanceToken(ctx context.Context, input AdvanceTokenInput) (models.Token, error)
	ListTokens(ctx context.Context, departmentID, date string) ([]models.Token, error)

	ListCounters(ctx context.Context, departmentID string) ([]models.Counter, error)
	SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error)

	ServeNext(ctx context.Context, input ServeNextInput) (models.Token, bool, error)

	Dashboard(ctx context.Context, departmentID, date string) (Dashboard, error)
	PeakHourCounts(ctx context.Context, departmentID, date string) (map[int]int, error)
	PublicInfo(ctx context.Context, departmentID, date string) (PublicInfo, error)

	AutoCloseQueueDays(ctx context.Context, date, clock string, batchSize int) (int, error)

	ListOutboxEvents(ctx context.Context, offset BroadcastOffset, limit int) ([]OutboxEvent, error)
	GetBroadcastOffset(ctx context.Context) (BroadcastOffset, error)
	UpdateBroadcastOffset(ctx context.Context, offset BroadcastOffset) error
}

type OutboxEvent struct {
	EventID      string          `json:"event_id"`
	DepartmentID string          `json:"department_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

type BroadcastOffset struct {
	LastEventTime time.Time
	LastEventID   string
}
