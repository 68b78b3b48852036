package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"meropaalo/queue-engine/internal/cache"
	"meropaalo/queue-engine/internal/directory"
	"meropaalo/queue-engine/internal/models"
	"meropaalo/queue-engine/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store     store.QueueStore
	cache     *cache.Cache
	directory *directory.Client
	location  *time.Location
	peakStart int
	peakEnd   int
}

type Options struct {
	Cache               *cache.Cache
	Directory           *directory.Client
	Location            *time.Location
	PeakWindowStartHour int
	PeakWindowEndHour   int
}

func NewHandler(store store.QueueStore, options Options) *Handler {
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	peakStart := options.PeakWindowStartHour
	peakEnd := options.PeakWindowEndHour
	if peakEnd <= 0 {
		peakStart, peakEnd = 8, 17
	}
	return &Handler{
		store:     store,
		cache:     options.Cache,
		directory: options.Directory,
		location:  location,
		peakStart: peakStart,
		peakEnd:   peakEnd,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/departments", h.handleDepartments)
	mux.HandleFunc("/api/departments/", h.handleDepartmentViews)
	mux.HandleFunc("/api/tokens/issue", h.handleIssueToken)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/queue/serve-next", h.handleServeNext)
	mux.HandleFunc("/api/queue-days/activate", h.handleActivateQueueDay)
	mux.HandleFunc("/api/queue-days/", h.handleQueueDayActions)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	mux.HandleFunc("/api/users/assign", h.handleAssignUser)
	mux.HandleFunc("/public/departments", h.handlePublicDepartments)
	mux.HandleFunc("/public/queue/", h.handlePublicQueueInfo)
	return mux
}

// localDate resolves an instant to the institution-local calendar day;
// queue-day scoping must not shift at the UTC midnight boundary.
func localDate(at time.Time, location *time.Location) string {
	return at.In(location).Format("2006-01-02")
}

func (h *Handler) today() string {
	return localDate(time.Now(), h.location)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departments, err := h.store.ListDepartments(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if departments == nil {
		departments = []models.Department{}
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleDepartmentViews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID, view := splitResourcePath(r.URL.Path, "/api/departments/")
	if departmentID == "" || !isValidUUID(departmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department id must be a UUID")
		return
	}

	switch view {
	case "dashboard":
		dashboard, err := h.store.Dashboard(r.Context(), departmentID, h.today())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, dashboard)
	case "tokens":
		tokens, err := h.store.ListTokens(r.Context(), departmentID, h.today())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if tokens == nil {
			tokens = []models.Token{}
		}
		writeJSON(w, http.StatusOK, tokens)
	case "counters":
		counters, err := h.store.ListCounters(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if counters == nil {
			counters = []models.Counter{}
		}
		writeJSON(w, http.StatusOK, counters)
	case "queue-days":
		days, err := h.store.ListQueueDays(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if days == nil {
			days = []models.QueueDay{}
		}
		writeJSON(w, http.StatusOK, days)
	case "peak-hours":
		date := strings.TrimSpace(r.URL.Query().Get("date"))
		if date == "" {
			date = h.today()
		} else if !isValidDate(date) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		counts, err := h.store.PeakHourCounts(r.Context(), departmentID, date)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, store.BuildPeakBuckets(counts, h.peakStart, h.peakEnd))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type issueTokenRequest struct {
	RequestID    string           `json:"request_id"`
	DepartmentID string           `json:"department_id"`
	Customer     *customerPayload `json:"customer"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.DepartmentID == "" || !isValidUUID(req.DepartmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	input := store.IssueTokenInput{
		RequestID:    req.RequestID,
		DepartmentID: req.DepartmentID,
		Date:         h.today(),
		IssuedAt:     time.Now().UTC(),
	}
	if req.Customer != nil {
		input.CustomerName = strings.TrimSpace(req.Customer.Name)
		input.CustomerEmail = strings.TrimSpace(req.Customer.Email)
	}

	token, _, err := h.store.IssueToken(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type advanceTokenRequest struct {
	ToStatus  string `json:"to_status"`
	CounterID string `json:"counter_id"`
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tokenID, action := splitResourcePath(r.URL.Path, "/api/tokens/")
	if tokenID == "" || !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token id must be a UUID")
		return
	}

	switch action {
	case "cancel":
		token, err := h.store.CancelToken(r.Context(), tokenID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	case "advance":
		var req advanceTokenRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.ToStatus = strings.TrimSpace(req.ToStatus)
		req.CounterID = strings.TrimSpace(req.CounterID)
		switch req.ToStatus {
		case models.StatusCalled, models.StatusServing:
			if req.CounterID == "" || !isValidUUID(req.CounterID) {
				writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id is required for called/serving")
				return
			}
		case models.StatusCompleted, models.StatusCancelled:
		default:
			writeError(w, "", http.StatusBadRequest, "invalid_request", "to_status must be called, serving, completed, or cancelled")
			return
		}

		token, err := h.store.AdvanceToken(r.Context(), store.AdvanceTokenInput{
			TokenID:    tokenID,
			ToStatus:   req.ToStatus,
			CounterID:  req.CounterID,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type serveNextRequest struct {
	RequestID    string `json:"request_id"`
	DepartmentID string `json:"department_id"`
	CounterID    string `json:"counter_id"`
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req serveNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.DepartmentID == "" || !isValidUUID(req.DepartmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.CounterID != "" && !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID when provided")
		return
	}

	token, _, err := h.store.ServeNext(r.Context(), store.ServeNextInput{
		RequestID:    req.RequestID,
		DepartmentID: req.DepartmentID,
		Date:         h.today(),
		CounterID:    req.CounterID,
		ServedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type activateQueueDayRequest struct {
	DepartmentID string `json:"department_id"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
}

func (h *Handler) handleActivateQueueDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req activateQueueDayRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.Date = strings.TrimSpace(req.Date)
	req.StartTime = strings.TrimSpace(req.StartTime)
	req.EndTime = strings.TrimSpace(req.EndTime)
	if req.DepartmentID == "" || !isValidUUID(req.DepartmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}
	if req.Date == "" {
		req.Date = h.today()
	} else if !isValidDate(req.Date) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}
	if !isValidClock(req.StartTime) || !isValidClock(req.EndTime) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "start_time and end_time must be HH:MM")
		return
	}

	day, _, err := h.store.ActivateQueueDay(r.Context(), store.ActivateQueueDayInput{
		DepartmentID: req.DepartmentID,
		Date:         req.Date,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (h *Handler) handleQueueDayActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queueDayID, action := splitResourcePath(r.URL.Path, "/api/queue-days/")
	if queueDayID == "" || !isValidUUID(queueDayID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "queue day id must be a UUID")
		return
	}

	switch action {
	case "pause":
		day, err := h.store.PauseQueueDay(r.Context(), queueDayID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, day)
	case "resume":
		day, err := h.store.ResumeQueueDay(r.Context(), queueDayID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, day)
	case "close":
		day, cancelled, err := h.store.CloseQueueDay(r.Context(), queueDayID, time.Now().UTC())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_day":        day,
			"cancelled_tokens": cancelled,
		})
	case "reset":
		cancelled, err := h.store.ResetQueueDay(r.Context(), queueDayID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_day_id":     queueDayID,
			"cancelled_tokens": cancelled,
			"reset":            true,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID, action := splitResourcePath(r.URL.Path, "/api/counters/")
	if counterID == "" || !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter id must be a UUID")
		return
	}

	var status string
	switch action {
	case "open":
		status = models.CounterOpen
	case "close":
		status = models.CounterClosed
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counter, err := h.store.SetCounterStatus(r.Context(), counterID, status)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

type assignUserRequest struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	DepartmentID string `json:"department_id"`
}

func (h *Handler) handleAssignUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req assignUserRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.Role = strings.TrimSpace(req.Role)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.UserID == "" || !isValidUUID(req.UserID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "user_id must be a UUID")
		return
	}
	if req.Role == "" && req.DepartmentID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "role or department_id is required")
		return
	}
	if req.DepartmentID != "" && !isValidUUID(req.DepartmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID when provided")
		return
	}

	assignment, err := h.directory.Assign(r.Context(), directory.AssignmentInput{
		UserID:       req.UserID,
		Role:         req.Role,
		DepartmentID: req.DepartmentID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handlePublicDepartments(w http.ResponseWriter, r *http.Request) {
	h.handleDepartments(w, r)
}

func (h *Handler) handlePublicQueueInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID, view := splitResourcePath(r.URL.Path, "/public/queue/")
	if view != "info" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if departmentID == "" || !isValidUUID(departmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department id must be a UUID")
		return
	}

	date := h.today()
	cacheKey := "public_info:" + departmentID + ":" + date
	if payload, ok := h.cache.Get(r.Context(), cacheKey); ok {
		writeRawJSON(w, http.StatusOK, payload)
		return
	}

	info, err := h.store.PublicInfo(r.Context(), departmentID, date)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	payload, err := json.Marshal(info)
	if err != nil {
		writeError(w, "", http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	h.cache.Set(r.Context(), cacheKey, payload)
	writeRawJSON(w, http.StatusOK, payload)
}

// splitResourcePath extracts "{id}/{action}" from a prefixed path.
func splitResourcePath(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidDate(value string) bool {
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

func isValidClock(value string) bool {
	_, err := time.Parse("15:04", value)
	return err == nil
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "resource not found"
	case errors.Is(err, store.ErrQueueNotActive):
		return http.StatusConflict, "queue_not_active", "queue is not active for today"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "state does not allow this action"
	case errors.Is(err, store.ErrInvalidTimeRange):
		return http.StatusBadRequest, "invalid_time_range", "end time must be after start time"
	case errors.Is(err, store.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed", "queue day is closed; closing is final for the date"
	case errors.Is(err, store.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal", "token is already completed or cancelled"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is serving another token"
	case errors.Is(err, store.ErrCounterClosed):
		return http.StatusConflict, "counter_closed", "counter is closed"
	case errors.Is(err, store.ErrNoCounterAvailable):
		return http.StatusConflict, "no_counter_available", "no open counter is free"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no waiting tokens"
	case errors.Is(err, directory.ErrUnavailable):
		return http.StatusBadGateway, "directory_unavailable", "user directory is unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
