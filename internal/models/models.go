package models

import "time"

type Department struct {
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
}

type QueueDay struct {
	QueueDayID   string     `json:"queue_day_id"`
	DepartmentID string     `json:"department_id"`
	Date         string     `json:"date"`
	Status       string     `json:"status"`
	StartTime    string     `json:"start_time"`
	EndTime      string     `json:"end_time"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

type Token struct {
	TokenID       string     `json:"token_id"`
	DepartmentID  string     `json:"department_id"`
	QueueDayID    string     `json:"queue_day_id"`
	TokenNumber   int        `json:"token_number"`
	Status        string     `json:"status"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	IssuedAt      time.Time  `json:"issued_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	ServingAt     *time.Time `json:"serving_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CounterID     *string    `json:"counter_id,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
}

type Counter struct {
	CounterID      string  `json:"counter_id"`
	DepartmentID   string  `json:"department_id"`
	Label          string  `json:"label"`
	Status         string  `json:"status"`
	CurrentTokenID *string `json:"current_token_id,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	DayScheduled = "scheduled"
	DayActive    = "active"
	DayPaused    = "paused"
	DayClosed    = "closed"
)

const (
	CounterOpen   = "open"
	CounterClosed = "closed"
)
