package events

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/httpx"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	topEvents       = 10
)

type Handler struct {
	store  *Store
	mw     *middleware.AuthMiddleware
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(store *Store, mw *middleware.AuthMiddleware, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{store: store, mw: mw, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the event and analytics endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/events", func(r chi.Router) {
		r.With(h.mw.Optional).Get("/", h.List)
		r.With(h.mw.Optional).Get("/{id}", h.Get)

		r.Group(func(r chi.Router) {
			r.Use(h.mw.Authenticate)
			r.Use(h.mw.BlockAnalyticsMutation)

			r.With(h.mw.RequirePermission(permissions.CreateEvents)).Post("/", h.Create)
			r.With(h.mw.RequirePermission(permissions.EditEvents)).Put("/{id}", h.Update)
			r.With(h.mw.RequirePermission(permissions.DeleteEvents)).Delete("/{id}", h.Delete)

			r.Post("/{id}/register", h.Register)
			r.Delete("/{id}/register", h.Unregister)
		})
	})

	r.Route("/api/analytics", func(r chi.Router) {
		r.Use(h.mw.Authenticate)
		r.With(h.mw.RequirePermission(permissions.ViewAnalytics)).Get("/summary", h.Summary)
		r.With(h.mw.RequirePermission(permissions.ExportData)).Get("/export", h.Export)
	})
}

type EventRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
}

func (req EventRequest) validate() string {
	title := strings.TrimSpace(req.Title)
	switch {
	case title == "" || utf8.RuneCountInString(title) > 200:
		return "title must be between 1 and 200 characters"
	case utf8.RuneCountInString(req.Description) > 5000:
		return "description must be at most 5000 characters"
	case req.StartsAt.IsZero():
		return "starts_at is required"
	case req.EndsAt != nil && !req.EndsAt.After(req.StartsAt):
		return "ends_at must be after starts_at"
	}
	return ""
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// annotate marks each event with whether the caller is registered for it.
func (h *Handler) annotate(r *http.Request, evs []Event) error {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	registered, err := h.store.RegisteredEventIDs(r.Context(), id.User.ID)
	if err != nil {
		return err
	}
	for i := range evs {
		v := registered[evs[i].ID]
		evs[i].Registered = &v
	}
	return nil
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	f := ListFilter{Limit: defaultPageSize}
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	if q.Get("upcoming") == "true" {
		f.From = h.now()
	}

	evs, err := h.store.List(r.Context(), f)
	if err == nil {
		err = h.annotate(r, evs)
	}
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		httpx.Internal(w)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	eventID, ok := idParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid event id")
		return
	}
	ev, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	evs := []Event{*ev}
	if err := h.annotate(r, evs); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"event": evs[0]})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())

	var req EventRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	if msg := req.validate(); msg != "" {
		httpx.Invalid(w, msg)
		return
	}

	ev := &Event{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Location:    strings.TrimSpace(req.Location),
		StartsAt:    req.StartsAt.UTC(),
		EndsAt:      req.EndsAt,
		CreatedBy:   id.User.ID,
	}
	if err := h.store.Create(r.Context(), ev); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("event created", zap.Int64("event_id", ev.ID), zap.Int64("user_id", id.User.ID))
	httpx.JSON(w, http.StatusCreated, map[string]any{"event": ev})
}

// owned loads the event and checks that non-admin callers created it.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (*Event, bool) {
	id, _ := middleware.IdentityFromContext(r.Context())
	eventID, ok := idParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid event id")
		return nil, false
	}
	ev, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if id.User.Role != models.RoleAdmin && ev.CreatedBy != id.User.ID {
		httpx.Error(w, http.StatusForbidden, httpx.CodeInsufficientPerms, "Only the organiser can change this event", nil)
		return nil, false
	}
	return ev, true
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	if msg := req.validate(); msg != "" {
		httpx.Invalid(w, msg)
		return
	}

	ev.Title = strings.TrimSpace(req.Title)
	ev.Description = req.Description
	ev.Location = strings.TrimSpace(req.Location)
	ev.StartsAt = req.StartsAt.UTC()
	ev.EndsAt = req.EndsAt
	if err := h.store.Update(r.Context(), ev); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"event": ev})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), ev.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	eventID, ok := idParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid event id")
		return
	}

	ev, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	now := h.now()
	if !ev.StartsAt.After(now) {
		h.writeError(w, ErrEventAlreadyPassed)
		return
	}
	if err := h.store.Register(r.Context(), id.User.ID, ev.ID, now); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"event_id": ev.ID, "registered": true})
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	eventID, ok := idParam(r)
	if !ok {
		httpx.Invalid(w, "Invalid event id")
		return
	}
	if err := h.store.Unregister(r.Context(), id.User.ID, eventID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.store.Summary(r.Context(), h.now(), topEvents)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

// Export streams every event with its registration count as CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	var all []Event
	for offset := 0; ; offset += maxPageSize {
		page, err := h.store.List(r.Context(), ListFilter{Limit: maxPageSize, Offset: offset})
		if err != nil {
			h.writeError(w, err)
			return
		}
		all = append(all, page...)
		if len(page) < maxPageSize {
			break
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "title", "location", "starts_at", "registrations"})
	for _, ev := range all {
		_ = cw.Write([]string{
			strconv.FormatInt(ev.ID, 10),
			ev.Title,
			ev.Location,
			ev.StartsAt.Format(time.RFC3339),
			strconv.Itoa(ev.Registrations),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("export write failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEventNotFound):
		httpx.NotFound(w, "Event not found")
	case errors.Is(err, ErrAlreadyRegistered):
		httpx.Error(w, http.StatusConflict, httpx.CodeConflict, "Already registered for this event", nil)
	case errors.Is(err, ErrNotRegistered):
		httpx.NotFound(w, "Not registered for this event")
	case errors.Is(err, ErrEventAlreadyPassed):
		httpx.Invalid(w, "Registration is closed for this event")
	default:
		h.logger.Error("event request failed", zap.Error(err))
		httpx.Internal(w)
	}
}
