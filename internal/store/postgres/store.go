package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"meropaalo/queue-engine/internal/models"
	"meropaalo/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool                  *pgxpool.Pool
	timezone              string
	defaultServiceMinutes int
}

type Options struct {
	Timezone              string
	DefaultServiceMinutes int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	tz := options.Timezone
	if tz == "" {
		tz = "UTC"
	}
	minutes := options.DefaultServiceMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return &Store{
		pool:                  pool,
		timezone:              tz,
		defaultServiceMinutes: minutes,
	}
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, name
		FROM departments
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var dept models.Department
		if err := rows.Scan(&dept.DepartmentID, &dept.Name); err != nil {
			return nil, err
		}
		departments = append(departments, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) ActivateQueueDay(ctx context.Context, input store.ActivateQueueDayInput) (models.QueueDay, bool, error) {
	if !validClockRange(input.StartTime, input.EndTime) {
		return models.QueueDay{}, false, store.ErrInvalidTimeRange
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueDay{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM departments WHERE department_id = $1)
	`, input.DepartmentID)
	if err = row.Scan(&exists); err != nil {
		return models.QueueDay{}, false, err
	}
	if !exists {
		err = store.ErrNotFound
		return models.QueueDay{}, false, err
	}

	existing, found, err := lockQueueDayByDate(ctx, tx, input.DepartmentID, input.Date)
	if err != nil {
		return models.QueueDay{}, false, err
	}
	if found {
		if existing.Status == models.DayClosed {
			err = store.ErrAlreadyClosed
			return models.QueueDay{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.QueueDay{}, false, err
		}
		return existing, false, nil
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	day := models.QueueDay{
		QueueDayID:   uuid.NewString(),
		DepartmentID: input.DepartmentID,
		Date:         input.Date,
		Status:       models.DayActive,
		StartTime:    input.StartTime,
		EndTime:      input.EndTime,
		CreatedAt:    createdAt,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_days (queue_day_id, department_id, date, status, start_time, end_time, last_token_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (department_id, date) DO NOTHING
	`, day.QueueDayID, day.DepartmentID, day.Date, day.Status, day.StartTime, day.EndTime, day.CreatedAt)
	if err != nil {
		return models.QueueDay{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// lost the insert race; the winner's row is authoritative
		existing, found, err = lockQueueDayByDate(ctx, tx, input.DepartmentID, input.Date)
		if err != nil {
			return models.QueueDay{}, false, err
		}
		if !found {
			err = store.ErrNotFound
			return models.QueueDay{}, false, err
		}
		if existing.Status == models.DayClosed {
			err = store.ErrAlreadyClosed
			return models.QueueDay{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.QueueDay{}, false, err
		}
		return existing, false, nil
	}

	if err = insertOutboxEvent(ctx, tx, day.DepartmentID, "queue_day.activated", day); err != nil {
		return models.QueueDay{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueDay{}, false, err
	}
	return day, true, nil
}

func (s *Store) ListQueueDays(ctx context.Context, departmentID string) ([]models.QueueDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_day_id, department_id, date, status, start_time, end_time, created_at, closed_at
		FROM queue_days
		WHERE department_id = $1
		ORDER BY date DESC
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []models.QueueDay
	for rows.Next() {
		day, err := scanQueueDay(rows)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return days, nil
}

func (s *Store) PauseQueueDay(ctx context.Context, queueDayID string) (models.QueueDay, error) {
	return s.transitionQueueDay(ctx, queueDayID, "pause", models.DayPaused, "queue_day.paused")
}

func (s *Store) ResumeQueueDay(ctx context.Context, queueDayID string) (models.QueueDay, error) {
	return s.transitionQueueDay(ctx, queueDayID, "resume", models.DayActive, "queue_day.resumed")
}

func (s *Store) transitionQueueDay(ctx context.Context, queueDayID, action, toStatus, eventType string) (models.QueueDay, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueDay{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	day, err := lockQueueDay(ctx, tx, queueDayID)
	if err != nil {
		return models.QueueDay{}, err
	}
	if !store.ValidDayTransition(action, day.Status) {
		err = store.ErrInvalidTransition
		return models.QueueDay{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE queue_days SET status = $1 WHERE queue_day_id = $2
	`, toStatus, queueDayID); err != nil {
		return models.QueueDay{}, err
	}
	day.Status = toStatus

	if err = insertOutboxEvent(ctx, tx, day.DepartmentID, eventType, day); err != nil {
		return models.QueueDay{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueDay{}, err
	}
	return day, nil
}

func (s *Store) CloseQueueDay(ctx context.Context, queueDayID string, closedAt time.Time) (models.QueueDay, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueDay{}, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	day, err := lockQueueDay(ctx, tx, queueDayID)
	if err != nil {
		return models.QueueDay{}, 0, err
	}
	if day.Status == models.DayClosed {
		err = store.ErrAlreadyClosed
		return models.QueueDay{}, 0, err
	}
	if !store.ValidDayTransition("close", day.Status) {
		err = store.ErrInvalidTransition
		return models.QueueDay{}, 0, err
	}

	cancelled, err := cancelLiveTokens(ctx, tx, queueDayID)
	if err != nil {
		return models.QueueDay{}, 0, err
	}

	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if _, err = tx.Exec(ctx, `
		UPDATE queue_days SET status = $1, closed_at = $2 WHERE queue_day_id = $3
	`, models.DayClosed, closedAt, queueDayID); err != nil {
		return models.QueueDay{}, 0, err
	}
	day.Status = models.DayClosed
	day.ClosedAt = &closedAt

	if err = insertOutboxEvent(ctx, tx, day.DepartmentID, "queue_day.closed", day); err != nil {
		return models.QueueDay{}, 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueDay{}, 0, err
	}
	return day, cancelled, nil
}

func (s *Store) ResetQueueDay(ctx context.Context, queueDayID string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	day, err := lockQueueDay(ctx, tx, queueDayID)
	if err != nil {
		return 0, err
	}
	if day.Status == models.DayClosed {
		err = store.ErrAlreadyClosed
		return 0, err
	}
	if !store.ValidDayTransition("reset", day.Status) {
		err = store.ErrInvalidTransition
		return 0, err
	}

	cancelled, err := cancelLiveTokens(ctx, tx, queueDayID)
	if err != nil {
		return 0, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE queue_days SET last_token_number = 0 WHERE queue_day_id = $1
	`, queueDayID); err != nil {
		return 0, err
	}

	if err = insertOutboxEvent(ctx, tx, day.DepartmentID, "queue_day.reset", day); err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cancelled, nil
}

func (s *Store) IssueToken(ctx context.Context, input store.IssueTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, ferr := findTokenByRequestID(ctx, tx, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Token{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Token{}, false, err
			}
			return existing, false, nil
		}
	}

	day, err := lockActiveQueueDay(ctx, tx, input.DepartmentID, input.Date)
	if err != nil {
		return models.Token{}, false, err
	}

	var number int
	row := tx.QueryRow(ctx, `
		UPDATE queue_days
		SET last_token_number = last_token_number + 1
		WHERE queue_day_id = $1
		RETURNING last_token_number
	`, day.QueueDayID)
	if err = row.Scan(&number); err != nil {
		return models.Token{}, false, err
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	token := models.Token{
		TokenID:       uuid.NewString(),
		DepartmentID:  input.DepartmentID,
		QueueDayID:    day.QueueDayID,
		TokenNumber:   number,
		Status:        models.StatusWaiting,
		CustomerName:  input.CustomerName,
		CustomerEmail: input.CustomerEmail,
		IssuedAt:      issuedAt,
		RequestID:     input.RequestID,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO tokens (token_id, request_id, department_id, queue_day_id, token_number, status, customer_name, customer_email, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`, token.TokenID, nullIfEmpty(input.RequestID), token.DepartmentID, token.QueueDayID, token.TokenNumber, token.Status, nullIfEmpty(token.CustomerName), nullIfEmpty(token.CustomerEmail), token.IssuedAt)
	if err != nil {
		return models.Token{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// lost a duplicate-request race after the pre-check; roll back the
		// number bump and replay the winner's token
		if err = tx.Rollback(ctx); err != nil {
			return models.Token{}, false, err
		}
		existing, found, ferr := findTokenByRequestID(ctx, s.pool, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Token{}, false, err
		}
		if !found {
			err = store.ErrNotFound
			return models.Token{}, false, err
		}
		return existing, false, nil
	}

	if err = insertOutboxEvent(ctx, tx, token.DepartmentID, "token.issued", token); err != nil {
		return models.Token{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) CancelToken(ctx context.Context, tokenID string) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	peek, err := findToken(ctx, tx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	// day row first: every writer touching a day's tokens and counters takes
	// locks in the same order as serve-next
	if _, err = lockQueueDay(ctx, tx, peek.QueueDayID); err != nil {
		return models.Token{}, err
	}
	token, err := lockToken(ctx, tx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if store.TerminalTokenStatus(token.Status) {
		err = store.ErrAlreadyTerminal
		return models.Token{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE tokens SET status = $1 WHERE token_id = $2
	`, models.StatusCancelled, tokenID); err != nil {
		return models.Token{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE counters SET current_token_id = NULL WHERE current_token_id = $1
	`, tokenID); err != nil {
		return models.Token{}, err
	}
	token.Status = models.StatusCancelled

	if err = insertOutboxEvent(ctx, tx, token.DepartmentID, "token.cancelled", token); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) AdvanceToken(ctx context.Context, input store.AdvanceTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	peek, err := findToken(ctx, tx, input.TokenID)
	if err != nil {
		return models.Token{}, err
	}
	// day row first, same lock order as serve-next
	if _, err = lockQueueDay(ctx, tx, peek.QueueDayID); err != nil {
		return models.Token{}, err
	}
	token, err := lockToken(ctx, tx, input.TokenID)
	if err != nil {
		return models.Token{}, err
	}
	if store.TerminalTokenStatus(token.Status) {
		err = store.ErrAlreadyTerminal
		return models.Token{}, err
	}
	if !store.ValidTokenTransition(input.ToStatus, token.Status) {
		err = store.ErrInvalidTransition
		return models.Token{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	switch input.ToStatus {
	case models.StatusCalled, models.StatusServing:
		counter, cerr := lockCounter(ctx, tx, input.CounterID)
		if cerr != nil {
			err = cerr
			return models.Token{}, err
		}
		if counter.DepartmentID != token.DepartmentID {
			err = store.ErrNotFound
			return models.Token{}, err
		}
		if counter.Status == models.CounterClosed {
			err = store.ErrCounterClosed
			return models.Token{}, err
		}
		if counter.CurrentTokenID != nil && *counter.CurrentTokenID != token.TokenID {
			err = store.ErrCounterBusy
			return models.Token{}, err
		}
		// a re-assignment frees whichever counter held the token before
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET current_token_id = NULL
			WHERE current_token_id = $1 AND counter_id <> $2
		`, token.TokenID, input.CounterID); err != nil {
			return models.Token{}, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET current_token_id = $1 WHERE counter_id = $2
		`, token.TokenID, input.CounterID); err != nil {
			return models.Token{}, err
		}

		column := "called_at"
		if input.ToStatus == models.StatusServing {
			column = "serving_at"
		}
		if _, err = tx.Exec(ctx, `
			UPDATE tokens SET status = $1, `+column+` = $2, counter_id = $3 WHERE token_id = $4
		`, input.ToStatus, occurredAt, input.CounterID, token.TokenID); err != nil {
			return models.Token{}, err
		}
		counterID := input.CounterID
		token.CounterID = &counterID
		if input.ToStatus == models.StatusServing {
			token.ServingAt = &occurredAt
		} else {
			token.CalledAt = &occurredAt
		}

	case models.StatusCompleted:
		if _, err = tx.Exec(ctx, `
			UPDATE tokens SET status = $1, completed_at = $2 WHERE token_id = $3
		`, input.ToStatus, occurredAt, token.TokenID); err != nil {
			return models.Token{}, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET current_token_id = NULL WHERE current_token_id = $1
		`, token.TokenID); err != nil {
			return models.Token{}, err
		}
		token.CompletedAt = &occurredAt

	case models.StatusCancelled:
		if _, err = tx.Exec(ctx, `
			UPDATE tokens SET status = $1 WHERE token_id = $2
		`, input.ToStatus, token.TokenID); err != nil {
			return models.Token{}, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE counters SET current_token_id = NULL WHERE current_token_id = $1
		`, token.TokenID); err != nil {
			return models.Token{}, err
		}
	}
	token.Status = input.ToStatus

	if err = insertOutboxEvent(ctx, tx, token.DepartmentID, "token."+input.ToStatus, token); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ServeNext(ctx context.Context, input store.ServeNextInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, empty, aerr := findActionRequest(ctx, tx, "serve_next", input.RequestID)
		if aerr != nil {
			err = aerr
			return models.Token{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Token{}, false, err
			}
			if empty {
				return models.Token{}, false, store.ErrQueueEmpty
			}
			return existing, false, nil
		}
	}

	day, err := lockActiveQueueDay(ctx, tx, input.DepartmentID, input.Date)
	if err != nil {
		return models.Token{}, false, err
	}

	var counter models.Counter
	if input.CounterID != "" {
		counter, err = lockCounter(ctx, tx, input.CounterID)
		if err != nil {
			return models.Token{}, false, err
		}
		if counter.DepartmentID != input.DepartmentID {
			err = store.ErrNotFound
			return models.Token{}, false, err
		}
		if counter.Status == models.CounterClosed {
			err = store.ErrCounterClosed
			return models.Token{}, false, err
		}
		if counter.CurrentTokenID != nil {
			err = store.ErrCounterBusy
			return models.Token{}, false, err
		}
	} else {
		counter, err = findAvailableCounter(ctx, tx, input.DepartmentID)
		if err != nil {
			return models.Token{}, false, err
		}
	}

	servedAt := input.ServedAt
	if servedAt.IsZero() {
		servedAt = time.Now().UTC()
	}

	token, err := nextWaitingToken(ctx, tx, day.QueueDayID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			if input.RequestID != "" {
				if err = insertActionRequest(ctx, tx, "serve_next", input.RequestID, input.DepartmentID, counter.CounterID, ""); err != nil {
					return models.Token{}, false, err
				}
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Token{}, false, err
			}
			return models.Token{}, false, store.ErrQueueEmpty
		}
		return models.Token{}, false, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE tokens SET status = $1, serving_at = $2, counter_id = $3 WHERE token_id = $4
	`, models.StatusServing, servedAt, counter.CounterID, token.TokenID); err != nil {
		return models.Token{}, false, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE counters SET current_token_id = $1 WHERE counter_id = $2
	`, token.TokenID, counter.CounterID); err != nil {
		return models.Token{}, false, err
	}
	token.Status = models.StatusServing
	token.ServingAt = &servedAt
	counterID := counter.CounterID
	token.CounterID = &counterID

	if input.RequestID != "" {
		if err = insertActionRequest(ctx, tx, "serve_next", input.RequestID, input.DepartmentID, counter.CounterID, token.TokenID); err != nil {
			return models.Token{}, false, err
		}
	}
	if err = insertOutboxEvent(ctx, tx, token.DepartmentID, "token.serving", token); err != nil {
		return models.Token{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) ListTokens(ctx context.Context, departmentID, date string) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.token_id, t.request_id, t.department_id, t.queue_day_id, t.token_number, t.status,
			t.customer_name, t.customer_email, t.issued_at, t.called_at, t.serving_at, t.completed_at, t.counter_id
		FROM tokens t
		JOIN queue_days d ON d.queue_day_id = t.queue_day_id
		WHERE t.department_id = $1 AND d.date = $2
		ORDER BY t.issued_at ASC, t.token_number ASC
	`, departmentID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) ListCounters(ctx context.Context, departmentID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, department_id, label, status, current_token_id
		FROM counters
		WHERE department_id = $1
		ORDER BY label ASC, created_at ASC
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := lockCounter(ctx, tx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if status == models.CounterClosed && counter.CurrentTokenID != nil {
		err = store.ErrCounterBusy
		return models.Counter{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE counters SET status = $1 WHERE counter_id = $2
	`, status, counterID); err != nil {
		return models.Counter{}, err
	}
	counter.Status = status

	eventType := "counter.opened"
	if status == models.CounterClosed {
		eventType = "counter.closed"
	}
	if err = insertOutboxEvent(ctx, tx, counter.DepartmentID, eventType, counter); err != nil {
		return models.Counter{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) Dashboard(ctx context.Context, departmentID, date string) (store.Dashboard, error) {
	var dashboard store.Dashboard
	dashboard.QueueStatus = models.DayClosed

	var queueDayID string
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT queue_day_id, status
		FROM queue_days
		WHERE department_id = $1 AND date = $2
	`, departmentID, date)
	if err := row.Scan(&queueDayID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dashboard, nil
		}
		return store.Dashboard{}, err
	}
	dashboard.QueueStatus = status

	var avgWaitSeconds sql.NullFloat64
	row = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			AVG(CASE WHEN status = 'completed' THEN EXTRACT(EPOCH FROM (completed_at - issued_at)) END)
		FROM tokens
		WHERE queue_day_id = $1
	`, queueDayID)
	var waiting, completed sql.NullInt64
	if err := row.Scan(&dashboard.TokensToday, &waiting, &completed, &avgWaitSeconds); err != nil {
		return store.Dashboard{}, err
	}
	dashboard.TotalWaitingTokens = int(waiting.Int64)
	dashboard.TotalCompletedToday = int(completed.Int64)
	if avgWaitSeconds.Valid {
		dashboard.AverageWaitTimeMinutes = avgWaitSeconds.Float64 / 60.0
	}

	var servingNumber int
	row = s.pool.QueryRow(ctx, `
		SELECT token_number
		FROM tokens
		WHERE queue_day_id = $1 AND status = 'serving'
		ORDER BY serving_at DESC
		LIMIT 1
	`, queueDayID)
	if err := row.Scan(&servingNumber); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return store.Dashboard{}, err
		}
	} else {
		dashboard.CurrentServingNumber = &servingNumber
	}
	return dashboard, nil
}

func (s *Store) PeakHourCounts(ctx context.Context, departmentID, date string) (map[int]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(HOUR FROM t.issued_at AT TIME ZONE $3)::int, COUNT(*)
		FROM tokens t
		JOIN queue_days d ON d.queue_day_id = t.queue_day_id
		WHERE t.department_id = $1 AND d.date = $2
		GROUP BY 1
	`, departmentID, date, s.timezone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, err
		}
		counts[hour] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) PublicInfo(ctx context.Context, departmentID, date string) (store.PublicInfo, error) {
	var info store.PublicInfo
	row := s.pool.QueryRow(ctx, `
		SELECT name FROM departments WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&info.DepartmentName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PublicInfo{}, store.ErrNotFound
		}
		return store.PublicInfo{}, err
	}

	info.QueueStatus = models.DayClosed
	var queueDayID, status string
	row = s.pool.QueryRow(ctx, `
		SELECT queue_day_id, status
		FROM queue_days
		WHERE department_id = $1 AND date = $2
	`, departmentID, date)
	if err := row.Scan(&queueDayID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return info, nil
		}
		return store.PublicInfo{}, err
	}
	info.QueueStatus = status

	var waiting sql.NullInt64
	var avgServiceSeconds sql.NullFloat64
	row = s.pool.QueryRow(ctx, `
		SELECT
			SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END),
			AVG(CASE WHEN status = 'completed' AND serving_at IS NOT NULL
				THEN EXTRACT(EPOCH FROM (completed_at - serving_at)) END)
		FROM tokens
		WHERE queue_day_id = $1
	`, queueDayID)
	if err := row.Scan(&waiting, &avgServiceSeconds); err != nil {
		return store.PublicInfo{}, err
	}
	info.AheadCount = int(waiting.Int64)
	info.EstimatedWaitMinutes = store.EstimateWaitMinutes(avgServiceSeconds.Float64, info.AheadCount, s.defaultServiceMinutes)
	return info, nil
}

// AutoCloseQueueDays closes live queue-days whose window has passed: any day
// dated before today, or dated today with end_time at or before the local
// clock. Their live tokens are cancelled the same way an explicit close does.
func (s *Store) AutoCloseQueueDays(ctx context.Context, date, clock string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 20
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT queue_day_id, department_id, date, status, start_time, end_time, created_at, closed_at
		FROM queue_days
		WHERE status IN ('active', 'paused')
			AND (date < $1 OR (date = $1 AND end_time <= $2))
		ORDER BY date ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, date, clock, batchSize)
	if err != nil {
		return 0, err
	}
	var days []models.QueueDay
	for rows.Next() {
		day, serr := scanQueueDay(rows)
		if serr != nil {
			rows.Close()
			err = serr
			return 0, err
		}
		days = append(days, day)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	closedAt := time.Now().UTC()
	for i := range days {
		if _, err = cancelLiveTokens(ctx, tx, days[i].QueueDayID); err != nil {
			return 0, err
		}
		if _, err = tx.Exec(ctx, `
			UPDATE queue_days SET status = $1, closed_at = $2 WHERE queue_day_id = $3
		`, models.DayClosed, closedAt, days[i].QueueDayID); err != nil {
			return 0, err
		}
		days[i].Status = models.DayClosed
		days[i].ClosedAt = &closedAt
		if err = insertOutboxEvent(ctx, tx, days[i].DepartmentID, "queue_day.closed", days[i]); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(days), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.BroadcastOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, department_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1 OR (created_at = $1 AND event_id > $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.DepartmentID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetBroadcastOffset(ctx context.Context) (store.BroadcastOffset, error) {
	var offset store.BroadcastOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM broadcast_offsets WHERE id = 1
	`)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BroadcastOffset{}, nil
		}
		return store.BroadcastOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateBroadcastOffset(ctx context.Context, offset store.BroadcastOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_offsets (id, last_event_time, last_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueDay(s scanner) (models.QueueDay, error) {
	var day models.QueueDay
	var date time.Time
	var closedAtNull sql.NullTime
	if err := s.Scan(&day.QueueDayID, &day.DepartmentID, &date, &day.Status, &day.StartTime, &day.EndTime, &day.CreatedAt, &closedAtNull); err != nil {
		return models.QueueDay{}, err
	}
	day.Date = date.Format("2006-01-02")
	day.ClosedAt = nullTimePtr(closedAtNull)
	return day, nil
}

func scanToken(s scanner) (models.Token, error) {
	var token models.Token
	var requestIDNull, nameNull, emailNull, counterIDNull sql.NullString
	var calledAtNull, servingAtNull, completedAtNull sql.NullTime
	if err := s.Scan(&token.TokenID, &requestIDNull, &token.DepartmentID, &token.QueueDayID, &token.TokenNumber, &token.Status,
		&nameNull, &emailNull, &token.IssuedAt, &calledAtNull, &servingAtNull, &completedAtNull, &counterIDNull); err != nil {
		return models.Token{}, err
	}
	token.RequestID = requestIDNull.String
	token.CustomerName = nameNull.String
	token.CustomerEmail = emailNull.String
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ServingAt = nullTimePtr(servingAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.CounterID = nullStringPtr(counterIDNull)
	return token, nil
}

func scanCounter(s scanner) (models.Counter, error) {
	var counter models.Counter
	var currentNull sql.NullString
	if err := s.Scan(&counter.CounterID, &counter.DepartmentID, &counter.Label, &counter.Status, &currentNull); err != nil {
		return models.Counter{}, err
	}
	counter.CurrentTokenID = nullStringPtr(currentNull)
	return counter, nil
}

func lockQueueDay(ctx context.Context, tx pgx.Tx, queueDayID string) (models.QueueDay, error) {
	row := tx.QueryRow(ctx, `
		SELECT queue_day_id, department_id, date, status, start_time, end_time, created_at, closed_at
		FROM queue_days
		WHERE queue_day_id = $1
		FOR UPDATE
	`, queueDayID)
	day, err := scanQueueDay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueDay{}, store.ErrNotFound
		}
		return models.QueueDay{}, err
	}
	return day, nil
}

func lockQueueDayByDate(ctx context.Context, tx pgx.Tx, departmentID, date string) (models.QueueDay, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT queue_day_id, department_id, date, status, start_time, end_time, created_at, closed_at
		FROM queue_days
		WHERE department_id = $1 AND date = $2
		FOR UPDATE
	`, departmentID, date)
	day, err := scanQueueDay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueDay{}, false, nil
		}
		return models.QueueDay{}, false, err
	}
	return day, true, nil
}

// lockActiveQueueDay is the per-day serialization point: token numbering and
// serve-next both funnel through this row lock, so writers for the same
// department and date execute one at a time while other days stay unblocked.
func lockActiveQueueDay(ctx context.Context, tx pgx.Tx, departmentID, date string) (models.QueueDay, error) {
	row := tx.QueryRow(ctx, `
		SELECT queue_day_id, department_id, date, status, start_time, end_time, created_at, closed_at
		FROM queue_days
		WHERE department_id = $1 AND date = $2 AND status = 'active'
		FOR UPDATE
	`, departmentID, date)
	day, err := scanQueueDay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueDay{}, store.ErrQueueNotActive
		}
		return models.QueueDay{}, err
	}
	return day, nil
}

func lockToken(ctx context.Context, tx pgx.Tx, tokenID string) (models.Token, error) {
	row := tx.QueryRow(ctx, `
		SELECT token_id, request_id, department_id, queue_day_id, token_number, status,
			customer_name, customer_email, issued_at, called_at, serving_at, completed_at, counter_id
		FROM tokens
		WHERE token_id = $1
		FOR UPDATE
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func findToken(ctx context.Context, tx pgx.Tx, tokenID string) (models.Token, error) {
	row := tx.QueryRow(ctx, `
		SELECT token_id, request_id, department_id, queue_day_id, token_number, status,
			customer_name, customer_email, issued_at, called_at, serving_at, completed_at, counter_id
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	row := tx.QueryRow(ctx, `
		SELECT counter_id, department_id, label, status, current_token_id
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func findAvailableCounter(ctx context.Context, tx pgx.Tx, departmentID string) (models.Counter, error) {
	row := tx.QueryRow(ctx, `
		SELECT counter_id, department_id, label, status, current_token_id
		FROM counters
		WHERE department_id = $1 AND status = 'open' AND current_token_id IS NULL
		ORDER BY label ASC, created_at ASC
		LIMIT 1
		FOR UPDATE
	`, departmentID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrNoCounterAvailable
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func nextWaitingToken(ctx context.Context, tx pgx.Tx, queueDayID string) (models.Token, error) {
	row := tx.QueryRow(ctx, `
		SELECT token_id, request_id, department_id, queue_day_id, token_number, status,
			customer_name, customer_email, issued_at, called_at, serving_at, completed_at, counter_id
		FROM tokens
		WHERE queue_day_id = $1 AND status = 'waiting'
		ORDER BY issued_at ASC, token_number ASC
		LIMIT 1
		FOR UPDATE
	`, queueDayID)
	return scanToken(row)
}

// querier covers the pool and an open transaction alike.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTokenByRequestID(ctx context.Context, q querier, requestID string) (models.Token, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT token_id, request_id, department_id, queue_day_id, token_number, status,
			customer_name, customer_email, issued_at, called_at, serving_at, completed_at, counter_id
		FROM tokens
		WHERE request_id = $1
	`, requestID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Token, bool, bool, error) {
	var tokenIDNull sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT token_id FROM action_requests WHERE action = $1 AND request_id = $2
	`, action, requestID)
	if err := row.Scan(&tokenIDNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, false, nil
		}
		return models.Token{}, false, false, err
	}
	if !tokenIDNull.Valid || tokenIDNull.String == "" {
		return models.Token{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT token_id, request_id, department_id, queue_day_id, token_number, status,
			customer_name, customer_email, issued_at, called_at, serving_at, completed_at, counter_id
		FROM tokens
		WHERE token_id = $1
	`, tokenIDNull.String)
	token, err := scanToken(row)
	if err != nil {
		return models.Token{}, false, false, err
	}
	return token, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, departmentID, counterID, tokenID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (action, request_id, department_id, counter_id, token_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (action, request_id) DO NOTHING
	`, action, requestID, departmentID, nullIfEmpty(counterID), nullIfEmpty(tokenID))
	return err
}

// cancelLiveTokens cancels every waiting/called/serving token of the day in
// one statement and releases any counters those tokens held. Runs inside the
// caller's transaction so close/reset stay all-or-nothing.
func cancelLiveTokens(ctx context.Context, tx pgx.Tx, queueDayID string) (int, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE counters c SET current_token_id = NULL
		FROM tokens t
		WHERE t.token_id = c.current_token_id AND t.queue_day_id = $1
	`, queueDayID); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tokens SET status = 'cancelled'
		WHERE queue_day_id = $1 AND status IN ('waiting', 'called', 'serving')
	`, queueDayID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, departmentID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, department_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), departmentID, eventType, raw)
	return err
}

func validClockRange(start, end string) bool {
	startAt, err := time.Parse("15:04", start)
	if err != nil {
		return false
	}
	endAt, err := time.Parse("15:04", end)
	if err != nil {
		return false
	}
	return endAt.After(startAt)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
