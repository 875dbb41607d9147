package events

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/discoversutd/discover/internal/auth/database"
	"github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/db/dbtest"
	"github.com/discoversutd/discover/internal/metrics"
)

const testSecret = "k3p9Zq7vR2mX8wL5tB1nY6cF4hJ0dS9gA2eU7iO3"

var now = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

type api struct {
	router http.Handler
	store  *Store
	svc    *service.Service
	issuer *token.Issuer
}

func newAPI(t *testing.T) *api {
	t.Helper()

	d := dbtest.Open(t)
	issuer, err := token.NewIssuer(testSecret, "discoversutd-api", "discoversutd-client", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.NewWith(prometheus.NewRegistry(), prometheus.NewRegistry())
	svc, err := service.New(database.New(d), issuer, service.Config{}, service.WithBcryptCost(bcrypt.MinCost), service.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	mw := middleware.NewAuthMiddleware(svc, permissions.Policy{Mode: permissions.MatchLegacy}, "auth_token", m, nil)
	store := NewStore(d)
	r := chi.NewRouter()
	NewHandler(store, mw, nil, WithClock(func() time.Time { return now })).Routes(r)

	return &api{router: r, store: store, svc: svc, issuer: issuer}
}

func (a *api) user(t *testing.T, email string, role models.Role, meta models.Metadata) (*models.User, string) {
	t.Helper()
	u, err := a.svc.CreateUser(context.Background(), service.RegisterInput{
		Email:    email,
		Password: "Tr0ub4dor&Horse",
		Name:     "Test User",
		Role:     role,
		Metadata: meta,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := a.issuer.Issue(u.ID, "", u.TokenVersion)
	if err != nil {
		t.Fatal(err)
	}
	return u, raw
}

func (a *api) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) event(t *testing.T, createdBy int64, title string, startsIn time.Duration) *Event {
	t.Helper()
	ev := &Event{Title: title, StartsAt: now.Add(startsIn), CreatedBy: createdBy}
	if err := a.store.Create(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func code(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func path(id int64, suffix string) string {
	return "/api/events/" + strconv.FormatInt(id, 10) + suffix
}

func TestAnalyticsOnlyCannotMutate(t *testing.T) {
	a := newAPI(t)
	admin, _ := a.user(t, "admin@sutd.edu.sg", models.RoleAdmin, models.Metadata{})
	_, analyst := a.user(t, "analyst@sutd.edu.sg", models.RoleAdmin, models.Metadata{
		AccessLevel: "analytics_readonly",
		Permissions: []string{"view_analytics", "create_events"},
	})
	ev := a.event(t, admin.ID, "Orientation", 48*time.Hour)

	requests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/events"},
		{http.MethodPut, path(ev.ID, "")},
		{http.MethodDelete, path(ev.ID, "")},
		{http.MethodPost, path(ev.ID, "/register")},
	}
	body := EventRequest{Title: "Hack Night", StartsAt: now.Add(time.Hour)}
	for _, req := range requests {
		rec := a.do(t, req.method, req.path, analyst, body)
		if rec.Code != http.StatusForbidden || code(t, rec) != "ANALYTICS_READONLY_RESTRICTION" {
			t.Errorf("%s %s: %d %s", req.method, req.path, rec.Code, rec.Body.String())
		}
	}

	if rec := a.do(t, http.MethodGet, "/api/analytics/summary", analyst, nil); rec.Code != http.StatusOK {
		t.Errorf("analyst summary status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/events", analyst, nil); rec.Code != http.StatusOK {
		t.Errorf("analyst list status = %d", rec.Code)
	}
}

func TestCreateUpdateDeleteGuards(t *testing.T) {
	a := newAPI(t)
	_, admin := a.user(t, "admin@sutd.edu.sg", models.RoleAdmin, models.Metadata{})
	club, clubToken := a.user(t, "club@sutd.edu.sg", models.RoleClub, models.Metadata{
		Permissions: []string{"create_events", "edit_events"},
	})
	_, otherClub := a.user(t, "other@sutd.edu.sg", models.RoleClub, models.Metadata{
		Permissions: []string{"edit_events"},
	})
	_, student := a.user(t, "jane@sutd.edu.sg", models.RoleStudent, models.Metadata{})

	body := EventRequest{Title: "Robotics Demo", Location: "Campus Centre", StartsAt: now.Add(72 * time.Hour)}

	if rec := a.do(t, http.MethodPost, "/api/events", student, body); rec.Code != http.StatusForbidden || code(t, rec) != "INSUFFICIENT_PERMISSIONS" {
		t.Errorf("student create: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/api/events", clubToken, EventRequest{Title: " "}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid create status = %d", rec.Code)
	}

	rec := a.do(t, http.MethodPost, "/api/events", clubToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("club create: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Event Event `json:"event"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Event.CreatedBy != club.ID {
		t.Errorf("created_by = %d", created.Event.CreatedBy)
	}

	body.Title = "Robotics Demo Day"
	if rec := a.do(t, http.MethodPut, path(created.Event.ID, ""), otherClub, body); rec.Code != http.StatusForbidden {
		t.Errorf("other club update status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPut, path(created.Event.ID, ""), clubToken, body); rec.Code != http.StatusOK {
		t.Errorf("owner update: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodDelete, path(created.Event.ID, ""), clubToken, nil); rec.Code != http.StatusForbidden {
		t.Errorf("club delete without grant status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, path(created.Event.ID, ""), admin, nil); rec.Code != http.StatusNoContent {
		t.Errorf("admin delete status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, path(created.Event.ID, ""), "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted get status = %d", rec.Code)
	}
}

func TestRegistrationAndRegisteredFlag(t *testing.T) {
	a := newAPI(t)
	admin, _ := a.user(t, "admin@sutd.edu.sg", models.RoleAdmin, models.Metadata{})
	_, student := a.user(t, "jane@sutd.edu.sg", models.RoleStudent, models.Metadata{})

	soon := a.event(t, admin.ID, "Career Fair", 24*time.Hour)
	later := a.event(t, admin.ID, "Hackathon", 96*time.Hour)
	past := a.event(t, admin.ID, "Welcome Tea", -24*time.Hour)

	if rec := a.do(t, http.MethodPost, path(soon.ID, "/register"), student, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, path(soon.ID, "/register"), student, nil); rec.Code != http.StatusConflict {
		t.Errorf("second register status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, path(past.ID, "/register"), student, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("past event register status = %d", rec.Code)
	}

	type listBody struct {
		Events []Event `json:"events"`
	}
	var anon listBody
	json.Unmarshal(a.do(t, http.MethodGet, "/api/events?upcoming=true", "", nil).Body.Bytes(), &anon)
	if len(anon.Events) != 2 {
		t.Fatalf("upcoming events = %d", len(anon.Events))
	}
	for _, ev := range anon.Events {
		if ev.Registered != nil {
			t.Errorf("anonymous list exposes registered for %d", ev.ID)
		}
	}

	var mine listBody
	json.Unmarshal(a.do(t, http.MethodGet, "/api/events", student, nil).Body.Bytes(), &mine)
	if len(mine.Events) != 3 {
		t.Fatalf("events = %d", len(mine.Events))
	}
	for _, ev := range mine.Events {
		want := ev.ID == soon.ID
		if ev.Registered == nil || *ev.Registered != want {
			t.Errorf("event %d registered = %v, want %v", ev.ID, ev.Registered, want)
		}
		if ev.ID == soon.ID && ev.Registrations != 1 {
			t.Errorf("registrations = %d", ev.Registrations)
		}
	}

	if rec := a.do(t, http.MethodDelete, path(soon.ID, "/register"), student, nil); rec.Code != http.StatusNoContent {
		t.Errorf("unregister status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, path(later.ID, "/register"), student, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unregister unknown status = %d", rec.Code)
	}
}

func TestSummaryAndExport(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	admin, adminToken := a.user(t, "admin@sutd.edu.sg", models.RoleAdmin, models.Metadata{})
	jane, janeToken := a.user(t, "jane@sutd.edu.sg", models.RoleStudent, models.Metadata{})
	_, restricted := a.user(t, "ops@sutd.edu.sg", models.RoleAdmin, models.Metadata{Restrictions: []string{"analytics"}})

	fair := a.event(t, admin.ID, "Career Fair", 24*time.Hour)
	a.event(t, admin.ID, "Welcome Tea", -24*time.Hour)
	if err := a.store.Register(ctx, jane.ID, fair.ID, now); err != nil {
		t.Fatal(err)
	}
	if err := a.store.Register(ctx, admin.ID, fair.ID, now); err != nil {
		t.Fatal(err)
	}

	if rec := a.do(t, http.MethodGet, "/api/analytics/summary", janeToken, nil); rec.Code != http.StatusForbidden {
		t.Errorf("student summary status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/analytics/summary", restricted, nil); rec.Code != http.StatusForbidden || code(t, rec) != "PERMISSION_RESTRICTED" {
		t.Errorf("restricted admin summary: %d %s", rec.Code, rec.Body.String())
	}

	rec := a.do(t, http.MethodGet, "/api/analytics/summary", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	var sum Summary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.TotalEvents != 2 || sum.UpcomingEvents != 1 || sum.TotalRegistrations != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.TopEvents) != 1 || sum.TopEvents[0].ID != fair.ID || sum.TopEvents[0].Registrations != 2 {
		t.Errorf("top events = %+v", sum.TopEvents)
	}

	rec = a.do(t, http.MethodGet, "/api/analytics/export", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || records[0][0] != "id" {
		t.Errorf("export rows = %v", records)
	}
}
