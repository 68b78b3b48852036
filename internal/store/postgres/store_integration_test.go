package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"meropaalo/queue-engine/internal/models"
	"meropaalo/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestIssueTokenConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	const workers = 10
	var wg sync.WaitGroup
	numbers := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := st.IssueToken(ctx, store.IssueTokenInput{
				DepartmentID: departmentID,
				Date:         date,
				IssuedAt:     time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("issue token: %v", err)
				return
			}
			numbers <- token.TokenNumber
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int
	for n := range numbers {
		got = append(got, n)
	}
	sort.Ints(got)
	if len(got) != workers {
		t.Fatalf("expected %d tokens, got %d", workers, len(got))
	}
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("expected contiguous numbering, got %v", got)
		}
	}
}

func TestIssueTokenIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	requestID := uuid.NewString()
	first, created, err := st.IssueToken(ctx, store.IssueTokenInput{
		RequestID:    requestID,
		DepartmentID: departmentID,
		Date:         date,
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if !created {
		t.Fatal("first issue should create a token")
	}

	second, created, err := st.IssueToken(ctx, store.IssueTokenInput{
		RequestID:    requestID,
		DepartmentID: departmentID,
		Date:         date,
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("duplicate issue: %v", err)
	}
	if created {
		t.Fatal("duplicate issue must not create a token")
	}
	if first.TokenID != second.TokenID || first.TokenNumber != second.TokenNumber {
		t.Fatalf("expected replay of the original token, got %+v vs %+v", first, second)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'token.issued'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 token.issued event, got %d", count)
	}
}

func TestServeNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	seedCounter(t, ctx, pool, uuid.NewString(), departmentID, "A")
	seedCounter(t, ctx, pool, uuid.NewString(), departmentID, "B")
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	for i := 0; i < 3; i++ {
		issueToken(t, ctx, st, departmentID, date)
	}

	const workers = 2
	var wg sync.WaitGroup
	type serveResult struct {
		token models.Token
		err   error
	}
	results := make(chan serveResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := st.ServeNext(ctx, store.ServeNextInput{
				RequestID:    uuid.NewString(),
				DepartmentID: departmentID,
				Date:         date,
				ServedAt:     time.Now().UTC(),
			})
			results <- serveResult{token: token, err: err}
		}()
	}
	wg.Wait()
	close(results)

	tokens := make(map[string]bool)
	counters := make(map[string]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("serve next: %v", result.err)
		}
		tokens[result.token.TokenID] = true
		if result.token.CounterID == nil {
			t.Fatal("served token must carry a counter")
		}
		counters[*result.token.CounterID] = true
	}
	if len(tokens) != workers {
		t.Fatalf("expected %d distinct tokens, got %d", workers, len(tokens))
	}
	if len(counters) != workers {
		t.Fatalf("expected %d distinct counters, got %d", workers, len(counters))
	}
}

func TestServeNextNoCounterAvailable(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	counterID := uuid.NewString()
	seedCounter(t, ctx, pool, counterID, departmentID, "A")
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)

	if _, _, err := st.ServeNext(ctx, store.ServeNextInput{
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("first serve: %v", err)
	}

	_, _, err := st.ServeNext(ctx, store.ServeNextInput{
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrNoCounterAvailable) {
		t.Fatalf("expected ErrNoCounterAvailable with the only counter busy, got %v", err)
	}
}

func TestServeNextQueueEmptyReplay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	seedCounter(t, ctx, pool, uuid.NewString(), departmentID, "A")
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	requestID := uuid.NewString()
	_, _, err := st.ServeNext(ctx, store.ServeNextInput{
		RequestID:    requestID,
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	issueToken(t, ctx, st, departmentID, date)

	// a retried request replays its original empty outcome
	_, _, err = st.ServeNext(ctx, store.ServeNextInput{
		RequestID:    requestID,
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected replayed ErrQueueEmpty, got %v", err)
	}

	token, created, err := st.ServeNext(ctx, store.ServeNextInput{
		RequestID:    uuid.NewString(),
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("fresh serve: %v", err)
	}
	if !created || token.Status != models.StatusServing {
		t.Fatalf("expected fresh request to serve the token, got created=%v status=%s", created, token.Status)
	}
}

func TestCloseQueueDayIsFinal(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	counterID := uuid.NewString()
	seedCounter(t, ctx, pool, counterID, departmentID, "A")
	date := today()
	day := activateDay(t, ctx, st, departmentID, date)

	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)
	if _, _, err := st.ServeNext(ctx, store.ServeNextInput{
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("serve next: %v", err)
	}

	closed, cancelled, err := st.CloseQueueDay(ctx, day.QueueDayID, time.Now().UTC())
	if err != nil {
		t.Fatalf("close queue day: %v", err)
	}
	if closed.Status != models.DayClosed || closed.ClosedAt == nil {
		t.Fatalf("expected closed day with timestamp, got %+v", closed)
	}
	if cancelled != 3 {
		t.Fatalf("expected 3 live tokens cancelled, got %d", cancelled)
	}

	var current *string
	row := pool.QueryRow(ctx, `SELECT current_token_id FROM counters WHERE counter_id = $1`, counterID)
	if err := row.Scan(&current); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if current != nil {
		t.Fatal("close must release assigned counters")
	}

	if _, _, err := st.IssueToken(ctx, store.IssueTokenInput{
		DepartmentID: departmentID,
		Date:         date,
		IssuedAt:     time.Now().UTC(),
	}); !errors.Is(err, store.ErrQueueNotActive) {
		t.Fatalf("expected ErrQueueNotActive after close, got %v", err)
	}

	if _, _, err := st.ActivateQueueDay(ctx, store.ActivateQueueDayInput{
		DepartmentID: departmentID,
		Date:         date,
		StartTime:    "09:00",
		EndTime:      "17:00",
		CreatedAt:    time.Now().UTC(),
	}); !errors.Is(err, store.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed on re-activation, got %v", err)
	}

	if _, _, err := st.CloseQueueDay(ctx, day.QueueDayID, time.Now().UTC()); !errors.Is(err, store.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed on double close, got %v", err)
	}
}

func TestResetQueueDayRewindsNumbering(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	seedCounter(t, ctx, pool, uuid.NewString(), departmentID, "A")
	date := today()
	day := activateDay(t, ctx, st, departmentID, date)

	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)
	served, _, err := st.ServeNext(ctx, store.ServeNextInput{
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if _, err := st.AdvanceToken(ctx, store.AdvanceTokenInput{
		TokenID:    served.TokenID,
		ToStatus:   models.StatusCompleted,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("complete token: %v", err)
	}

	cancelled, err := st.ResetQueueDay(ctx, day.QueueDayID)
	if err != nil {
		t.Fatalf("reset queue day: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 live token cancelled, completed must survive; got %d", cancelled)
	}

	next := issueToken(t, ctx, st, departmentID, date)
	if next.TokenNumber != 1 {
		t.Fatalf("expected numbering to restart at 1 after reset, got %d", next.TokenNumber)
	}

	var completedCount int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tokens WHERE queue_day_id = $1 AND status = 'completed'
	`, day.QueueDayID)
	if err := row.Scan(&completedCount); err != nil {
		t.Fatalf("count completed: %v", err)
	}
	if completedCount != 1 {
		t.Fatalf("reset must keep completed history, got %d", completedCount)
	}
}

func TestActivateQueueDayIdempotent(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()

	first, created, err := st.ActivateQueueDay(ctx, store.ActivateQueueDayInput{
		DepartmentID: departmentID,
		Date:         date,
		StartTime:    "09:00",
		EndTime:      "17:00",
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !created {
		t.Fatal("first activation should create the day")
	}

	second, created, err := st.ActivateQueueDay(ctx, store.ActivateQueueDayInput{
		DepartmentID: departmentID,
		Date:         date,
		StartTime:    "10:00",
		EndTime:      "16:00",
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if created {
		t.Fatal("second activation must not create a new day")
	}
	if first.QueueDayID != second.QueueDayID {
		t.Fatalf("expected the same queue day, got %s vs %s", first.QueueDayID, second.QueueDayID)
	}
	if second.StartTime != "09:00" {
		t.Fatalf("re-activation must not rewrite the window, got %s", second.StartTime)
	}
}

func TestActivateQueueDayRejectsBadWindow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)

	_, _, err := st.ActivateQueueDay(ctx, store.ActivateQueueDayInput{
		DepartmentID: departmentID,
		Date:         today(),
		StartTime:    "17:00",
		EndTime:      "09:00",
		CreatedAt:    time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestPauseBlocksIssueUntilResume(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()
	day := activateDay(t, ctx, st, departmentID, date)

	if _, err := st.PauseQueueDay(ctx, day.QueueDayID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, _, err := st.IssueToken(ctx, store.IssueTokenInput{
		DepartmentID: departmentID,
		Date:         date,
		IssuedAt:     time.Now().UTC(),
	}); !errors.Is(err, store.ErrQueueNotActive) {
		t.Fatalf("expected ErrQueueNotActive while paused, got %v", err)
	}

	if _, err := st.PauseQueueDay(ctx, day.QueueDayID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double pause, got %v", err)
	}

	if _, err := st.ResumeQueueDay(ctx, day.QueueDayID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if token := issueToken(t, ctx, st, departmentID, date); token.TokenNumber != 1 {
		t.Fatalf("expected issue to work after resume, got number %d", token.TokenNumber)
	}
}

func TestDashboardAggregates(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	seedCounter(t, ctx, pool, uuid.NewString(), departmentID, "A")
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)
	served, _, err := st.ServeNext(ctx, store.ServeNextInput{
		DepartmentID: departmentID,
		Date:         date,
		ServedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if _, err := st.AdvanceToken(ctx, store.AdvanceTokenInput{
		TokenID:    served.TokenID,
		ToStatus:   models.StatusCompleted,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("complete token: %v", err)
	}

	dashboard, err := st.Dashboard(ctx, departmentID, date)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dashboard.QueueStatus != models.DayActive {
		t.Fatalf("expected active status, got %s", dashboard.QueueStatus)
	}
	if dashboard.TokensToday != 3 || dashboard.TotalWaitingTokens != 2 || dashboard.TotalCompletedToday != 1 {
		t.Fatalf("unexpected aggregates: %+v", dashboard)
	}
	if dashboard.CurrentServingNumber != nil {
		t.Fatalf("no token is serving after completion, got %v", *dashboard.CurrentServingNumber)
	}
}

func TestDashboardMissingDay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)

	dashboard, err := st.Dashboard(ctx, departmentID, today())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dashboard.QueueStatus != models.DayClosed || dashboard.TokensToday != 0 {
		t.Fatalf("expected closed empty dashboard, got %+v", dashboard)
	}
}

func TestPublicInfoDefaultEstimate(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	issueToken(t, ctx, st, departmentID, date)
	issueToken(t, ctx, st, departmentID, date)

	info, err := st.PublicInfo(ctx, departmentID, date)
	if err != nil {
		t.Fatalf("public info: %v", err)
	}
	if info.DepartmentName != "Licensing" {
		t.Fatalf("unexpected name %q", info.DepartmentName)
	}
	if info.AheadCount != 2 {
		t.Fatalf("expected 2 ahead, got %d", info.AheadCount)
	}
	if info.EstimatedWaitMinutes != 10 {
		t.Fatalf("expected default estimate 5*2=10, got %d", info.EstimatedWaitMinutes)
	}

	if _, err := st.PublicInfo(ctx, uuid.NewString(), date); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown department, got %v", err)
	}
}

func TestAutoCloseQueueDays(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	day := activateDay(t, ctx, st, departmentID, yesterday)
	issueToken(t, ctx, st, departmentID, yesterday)

	count, err := st.AutoCloseQueueDays(ctx, today(), "00:00", 10)
	if err != nil {
		t.Fatalf("auto close: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 day closed, got %d", count)
	}

	var status string
	row := pool.QueryRow(ctx, `SELECT status FROM queue_days WHERE queue_day_id = $1`, day.QueueDayID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read day: %v", err)
	}
	if status != models.DayClosed {
		t.Fatalf("expected closed, got %s", status)
	}

	var live int
	row = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tokens
		WHERE queue_day_id = $1 AND status IN ('waiting', 'called', 'serving')
	`, day.QueueDayID)
	if err := row.Scan(&live); err != nil {
		t.Fatalf("count live tokens: %v", err)
	}
	if live != 0 {
		t.Fatalf("expected no live tokens after auto close, got %d", live)
	}

	// idempotent on a second sweep
	count, err = st.AutoCloseQueueDays(ctx, today(), "00:00", 10)
	if err != nil {
		t.Fatalf("second auto close: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing to close, got %d", count)
	}
}

func TestAutoCloseUsesLocalCalendarDay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)

	// a sweep just past local midnight in a zone ahead of UTC: the caller's
	// local date is one day past the UTC date
	utcToday := today()
	localToday := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	stale := activateDay(t, ctx, st, departmentID, utcToday)
	current := activateDay(t, ctx, st, departmentID, localToday)

	count, err := st.AutoCloseQueueDays(ctx, localToday, "00:15", 10)
	if err != nil {
		t.Fatalf("auto close: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the previous local day closed, got %d", count)
	}

	var status string
	row := pool.QueryRow(ctx, `SELECT status FROM queue_days WHERE queue_day_id = $1`, stale.QueueDayID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read stale day: %v", err)
	}
	if status != models.DayClosed {
		t.Fatalf("previous local day must close regardless of end_time, got %s", status)
	}

	row = pool.QueryRow(ctx, `SELECT status FROM queue_days WHERE queue_day_id = $1`, current.QueueDayID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read current day: %v", err)
	}
	if status != models.DayActive {
		t.Fatalf("current local day must survive a post-midnight sweep, got %s", status)
	}

	if token := issueToken(t, ctx, st, departmentID, localToday); token.TokenNumber != 1 {
		t.Fatalf("expected issuance on the current local day, got number %d", token.TokenNumber)
	}
}

func TestIssueTokenDuplicateRequestRace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	const workers = 4
	requestID := uuid.NewString()
	var wg sync.WaitGroup
	results := make(chan models.Token, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := st.IssueToken(ctx, store.IssueTokenInput{
				RequestID:    requestID,
				DepartmentID: departmentID,
				Date:         date,
				IssuedAt:     time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("issue token: %v", err)
				return
			}
			results <- token
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]bool)
	count := 0
	for token := range results {
		ids[token.TokenID] = true
		count++
	}
	if count != workers {
		t.Fatalf("expected %d replies, got %d", workers, count)
	}
	if len(ids) != 1 {
		t.Fatalf("duplicate requests must replay one token, got %d distinct", len(ids))
	}

	var stored int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tokens WHERE request_id = $1`, requestID)
	if err := row.Scan(&stored); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if stored != 1 {
		t.Fatalf("expected 1 stored token, got %d", stored)
	}

	// rolled-back losers must not burn numbers
	if next := issueToken(t, ctx, st, departmentID, date); next.TokenNumber != 2 {
		t.Fatalf("expected next number 2, got %d", next.TokenNumber)
	}
}

func TestServeNextAdvanceSameCounterContention(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	seedDepartment(t, ctx, pool, departmentID)
	counterID := uuid.NewString()
	seedCounter(t, ctx, pool, counterID, departmentID, "A")
	date := today()
	activateDay(t, ctx, st, departmentID, date)

	for i := 0; i < 5; i++ {
		token := issueToken(t, ctx, st, departmentID, date)

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := st.AdvanceToken(ctx, store.AdvanceTokenInput{
				TokenID:    token.TokenID,
				ToStatus:   models.StatusServing,
				CounterID:  counterID,
				OccurredAt: time.Now().UTC(),
			})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, _, err := st.ServeNext(ctx, store.ServeNextInput{
				DepartmentID: departmentID,
				Date:         date,
				CounterID:    counterID,
				ServedAt:     time.Now().UTC(),
			})
			errs <- err
		}()
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrCounterBusy),
				errors.Is(err, store.ErrInvalidTransition):
				// loser of the serialized pair
			default:
				t.Fatalf("unexpected error under contention: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("expected exactly one winner, got %d", succeeded)
		}

		final, err := st.AdvanceToken(ctx, store.AdvanceTokenInput{
			TokenID:    token.TokenID,
			ToStatus:   models.StatusCompleted,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("complete token: %v", err)
		}
		if final.Status != models.StatusCompleted {
			t.Fatalf("expected completed, got %s", final.Status)
		}
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{Timezone: "UTC", DefaultServiceMinutes: 5})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedDepartment(t *testing.T, ctx context.Context, pool *pgxpool.Pool, departmentID string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO departments (department_id, name) VALUES ($1, 'Licensing')
	`, departmentID); err != nil {
		t.Fatalf("insert department: %v", err)
	}
}

func seedCounter(t *testing.T, ctx context.Context, pool *pgxpool.Pool, counterID, departmentID, label string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, department_id, label, status) VALUES ($1, $2, $3, 'open')
	`, counterID, departmentID, label); err != nil {
		t.Fatalf("insert counter %s: %v", label, err)
	}
}

func activateDay(t *testing.T, ctx context.Context, st *Store, departmentID, date string) models.QueueDay {
	t.Helper()
	day, _, err := st.ActivateQueueDay(ctx, store.ActivateQueueDayInput{
		DepartmentID: departmentID,
		Date:         date,
		StartTime:    "09:00",
		EndTime:      "17:00",
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("activate queue day: %v", err)
	}
	return day
}

func issueToken(t *testing.T, ctx context.Context, st *Store, departmentID, date string) models.Token {
	t.Helper()
	token, _, err := st.IssueToken(ctx, store.IssueTokenInput{
		DepartmentID: departmentID,
		Date:         date,
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
