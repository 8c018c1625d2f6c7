package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"habitgrid/internal/config"
	"habitgrid/internal/grid"
	"habitgrid/internal/model"
	"habitgrid/internal/pkg/metrics"
	"habitgrid/internal/store"

	"github.com/gin-gonic/gin"
)

type mockHabitStore struct {
	countActiveFunc func(ctx context.Context, userID uint) (int64, error)
	createFunc      func(ctx context.Context, habit *model.Habit) error
	getActiveFunc   func(ctx context.Context, userID uint, habitID string) (*model.Habit, error)
	listActiveFunc  func(ctx context.Context, userID uint) ([]model.Habit, error)
	mostRecentFunc  func(ctx context.Context, userID uint) (*model.Habit, error)
	softDeleteFunc  func(ctx context.Context, userID uint, habitID string) error
	setCompleteFunc  func(ctx context.Context, habitID string, complete bool) error
	createCalls      int
	softDeleteCalls  int
	setCompleteCalls int
	lastComplete     bool
}

func (m *mockHabitStore) CountActive(ctx context.Context, userID uint) (int64, error) {
	if m.countActiveFunc == nil {
		return 0, nil
	}
	return m.countActiveFunc(ctx, userID)
}

func (m *mockHabitStore) Create(ctx context.Context, habit *model.Habit) error {
	m.createCalls++
	return m.createFunc(ctx, habit)
}

func (m *mockHabitStore) GetActive(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
	return m.getActiveFunc(ctx, userID, habitID)
}

func (m *mockHabitStore) ListActive(ctx context.Context, userID uint) ([]model.Habit, error) {
	if m.listActiveFunc == nil {
		return nil, nil
	}
	return m.listActiveFunc(ctx, userID)
}

func (m *mockHabitStore) MostRecent(ctx context.Context, userID uint) (*model.Habit, error) {
	return m.mostRecentFunc(ctx, userID)
}

func (m *mockHabitStore) SoftDelete(ctx context.Context, userID uint, habitID string) error {
	m.softDeleteCalls++
	return m.softDeleteFunc(ctx, userID, habitID)
}

func (m *mockHabitStore) SetComplete(ctx context.Context, habitID string, complete bool) error {
	m.setCompleteCalls++
	m.lastComplete = complete
	if m.setCompleteFunc == nil {
		return nil
	}
	return m.setCompleteFunc(ctx, habitID, complete)
}

type mockCompletionStore struct {
	toggleFunc  func(ctx context.Context, habitID string, day string) (bool, error)
	daysFunc    func(ctx context.Context, habitID string) (map[string]bool, error)
	toggleCalls int
}

func (m *mockCompletionStore) Toggle(ctx context.Context, habitID string, day string) (bool, error) {
	m.toggleCalls++
	return m.toggleFunc(ctx, habitID, day)
}

func (m *mockCompletionStore) Days(ctx context.Context, habitID string) (map[string]bool, error) {
	if m.daysFunc == nil {
		return map[string]bool{}, nil
	}
	return m.daysFunc(ctx, habitID)
}

type mockUserStore struct {
	getFunc     func(ctx context.Context, userID uint) (*model.User, error)
	deleteFunc  func(ctx context.Context, userID uint) error
	deleteCalls int
}

func (m *mockUserStore) Get(ctx context.Context, userID uint) (*model.User, error) {
	if m.getFunc == nil {
		return &model.User{HabitLimit: 5}, nil
	}
	return m.getFunc(ctx, userID)
}

func (m *mockUserStore) Delete(ctx context.Context, userID uint) error {
	m.deleteCalls++
	if m.deleteFunc == nil {
		return nil
	}
	return m.deleteFunc(ctx, userID)
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			DefaultHabitLimit: 5,
			HabitDurations:    []int{7, 14, 30, 60, 120, 365},
		},
	}
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.SetFuncMap(TemplateFuncs())
	r.LoadHTMLGlob("../../web/templates/*.html")
	return r
}

func asUser(userID uint, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		handler(c)
	}
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHome_NoActiveHabits(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		mostRecentFunc: func(ctx context.Context, userID uint) (*model.Habit, error) {
			return nil, store.ErrNotFound
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits}

	r := newTestRouter()
	r.GET("/", asUser(1, s.handleHome))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/create-habit/" {
		t.Fatalf("expected redirect to /create-habit/, got %q", loc)
	}
}

func TestHome_RendersMostRecentHabit(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &model.Habit{ID: "abc-123", UserID: 1, Name: "Read", Duration: 30, CreatedAt: time.Now()}
	habits := &mockHabitStore{
		mostRecentFunc: func(ctx context.Context, userID uint) (*model.Habit, error) { return h, nil },
		listActiveFunc: func(ctx context.Context, userID uint) ([]model.Habit, error) {
			return []model.Habit{*h}, nil
		},
	}
	completions := &mockCompletionStore{
		daysFunc: func(ctx context.Context, habitID string) (map[string]bool, error) {
			return map[string]bool{time.Now().Format(grid.DateLayout): true}, nil
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.GET("/", asUser(1, s.handleHome))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Read") {
		t.Fatalf("expected habit name in body")
	}
	if strings.Count(body, `class="day`) != 30 {
		t.Fatalf("expected 30 day cells, got %d", strings.Count(body, `class="day`))
	}
}

func TestHabit_WindowEnded_MarksComplete(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 30 天窗口在 40 天前开始，最后一天也已过去。
	h := &model.Habit{ID: "abc-123", UserID: 1, Name: "Read", Duration: 30, CreatedAt: time.Now().AddDate(0, 0, -40)}
	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return h, nil
		},
		listActiveFunc: func(ctx context.Context, userID uint) ([]model.Habit, error) {
			return []model.Habit{*h}, nil
		},
	}
	completions := &mockCompletionStore{}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.GET("/habit/:id/", asUser(1, s.handleHabit))

	req := httptest.NewRequest(http.MethodGet, "/habit/abc-123/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if habits.setCompleteCalls != 1 || !habits.lastComplete {
		t.Fatalf("expected the ended window to be marked complete, calls=%d", habits.setCompleteCalls)
	}
	if !strings.Contains(w.Body.String(), "finished") {
		t.Fatalf("expected finished marker in body")
	}
}

func TestHabit_WindowOpen_NotMarkedComplete(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &model.Habit{ID: "abc-123", UserID: 1, Name: "Read", Duration: 30, CreatedAt: time.Now().AddDate(0, 0, -5)}
	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return h, nil
		},
	}
	completions := &mockCompletionStore{}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.GET("/habit/:id/", asUser(1, s.handleHabit))

	req := httptest.NewRequest(http.MethodGet, "/habit/abc-123/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if habits.setCompleteCalls != 0 {
		t.Fatalf("expected no complete mark while the window is open")
	}
}

func TestCreateHabit_QuotaFull(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		countActiveFunc: func(ctx context.Context, userID uint) (int64, error) { return 5, nil },
		createFunc:      func(ctx context.Context, habit *model.Habit) error { return nil },
	}
	users := &mockUserStore{}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, users: users}

	r := newTestRouter()
	r.POST("/create-habit/", asUser(1, s.handleCreateHabit))

	w := postForm(r, "/create-habit/", url.Values{"name": {"Run"}, "duration": {"30"}})

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/max-habits-created/" {
		t.Fatalf("expected redirect to /max-habits-created/, got %q", loc)
	}
	if habits.createCalls != 0 {
		t.Fatalf("expected no habit created when quota is full")
	}
}

func TestCreateHabit_ZeroLimitBlocks(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		countActiveFunc: func(ctx context.Context, userID uint) (int64, error) { return 0, nil },
		createFunc:      func(ctx context.Context, habit *model.Habit) error { return nil },
	}
	// 管理员把配额调成 0：即使没有任何习惯也不允许创建。
	users := &mockUserStore{
		getFunc: func(ctx context.Context, userID uint) (*model.User, error) {
			return &model.User{HabitLimit: 0}, nil
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, users: users}

	r := newTestRouter()
	r.POST("/create-habit/", asUser(1, s.handleCreateHabit))

	w := postForm(r, "/create-habit/", url.Values{"name": {"Run"}, "duration": {"30"}})

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/max-habits-created/" {
		t.Fatalf("expected redirect to /max-habits-created/, got %q", loc)
	}
	if habits.createCalls != 0 {
		t.Fatalf("expected no habit created with a zero limit")
	}
}

func TestCreateHabit_Normal(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		countActiveFunc: func(ctx context.Context, userID uint) (int64, error) { return 2, nil },
		createFunc: func(ctx context.Context, habit *model.Habit) error {
			habit.ID = "new-habit-id"
			return nil
		},
	}
	users := &mockUserStore{}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, users: users}

	r := newTestRouter()
	r.POST("/create-habit/", asUser(1, s.handleCreateHabit))

	w := postForm(r, "/create-habit/", url.Values{"name": {"Run"}, "duration": {"30"}})

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/habit/new-habit-id/" {
		t.Fatalf("expected redirect to new habit page, got %q", loc)
	}
	if habits.createCalls != 1 {
		t.Fatalf("expected create to be called once")
	}
}

func TestCreateHabit_FieldErrors(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		countActiveFunc: func(ctx context.Context, userID uint) (int64, error) { return 0, nil },
		createFunc:      func(ctx context.Context, habit *model.Habit) error { return nil },
	}
	users := &mockUserStore{}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, users: users}

	r := newTestRouter()
	r.POST("/create-habit/", asUser(1, s.handleCreateHabit))

	// 空名称 + 非法周期：原表单带错误重新渲染，不创建记录。
	w := postForm(r, "/create-habit/", url.Values{"name": {""}, "duration": {"13"}})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "This field is required.") {
		t.Fatalf("expected name error in body")
	}
	if !strings.Contains(body, "Choose one of the listed durations.") {
		t.Fatalf("expected duration error in body")
	}
	if habits.createCalls != 0 {
		t.Fatalf("expected no habit created on invalid form")
	}
}

func TestHabit_NotOwned(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return nil, store.ErrNotFound
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits}

	r := newTestRouter()
	r.GET("/habit/:id/", asUser(2, s.handleHabit))

	req := httptest.NewRequest(http.MethodGet, "/habit/someone-elses/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteHabit_Redirects(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		softDeleteFunc: func(ctx context.Context, userID uint, habitID string) error { return nil },
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits}

	r := newTestRouter()
	r.POST("/delete-habit/:id/", asUser(1, s.handleDeleteHabit))

	w := postForm(r, "/delete-habit/abc/", url.Values{})

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to /, got %q", loc)
	}
	if habits.softDeleteCalls != 1 {
		t.Fatalf("expected soft delete to be called once")
	}
}

func TestDeleteHabit_AlreadyDeleted(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		softDeleteFunc: func(ctx context.Context, userID uint, habitID string) error {
			return store.ErrNotFound
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits}

	r := newTestRouter()
	r.POST("/delete-habit/:id/", asUser(1, s.handleDeleteHabit))

	w := postForm(r, "/delete-habit/abc/", url.Values{})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestToggleDay_RendersCell(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &model.Habit{ID: "abc-123", UserID: 1, Name: "Read", Duration: 30, CreatedAt: time.Now()}
	var toggledDay string
	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return h, nil
		},
	}
	completions := &mockCompletionStore{
		toggleFunc: func(ctx context.Context, habitID string, day string) (bool, error) {
			toggledDay = day
			return true, nil
		},
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.POST("/habit-day-toggle/:id/", asUser(1, s.handleToggleDay))

	w := postForm(r, "/habit-day-toggle/abc-123/", url.Values{})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if toggledDay != time.Now().Format(grid.DateLayout) {
		t.Fatalf("expected today's date, got %q", toggledDay)
	}
	body := w.Body.String()
	if !strings.Contains(body, "completed") {
		t.Fatalf("expected completed class in cell fragment")
	}
	if !strings.Contains(body, "/habit-day-toggle/abc-123/") {
		t.Fatalf("expected toggle URL in cell fragment")
	}
}

func TestToggleDay_MissingHabit(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return nil, store.ErrNotFound
		},
	}
	completions := &mockCompletionStore{
		toggleFunc: func(ctx context.Context, habitID string, day string) (bool, error) { return true, nil },
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.POST("/habit-day-toggle/:id/", asUser(1, s.handleToggleDay))

	w := postForm(r, "/habit-day-toggle/gone/", url.Values{})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if completions.toggleCalls != 0 {
		t.Fatalf("expected no toggle for a missing habit")
	}
}

func TestToggleDay_GetNotAllowed(t *testing.T) {
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	habits := &mockHabitStore{
		getActiveFunc: func(ctx context.Context, userID uint, habitID string) (*model.Habit, error) {
			return &model.Habit{ID: habitID}, nil
		},
	}
	completions := &mockCompletionStore{
		toggleFunc: func(ctx context.Context, habitID string, day string) (bool, error) { return true, nil },
	}
	s := &Server{cfg: testConfig(), logger: logger, habits: habits, completions: completions}

	r := newTestRouter()
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.String(http.StatusMethodNotAllowed, "Method not allowed.")
	})
	r.POST("/habit-day-toggle/:id/", asUser(1, s.handleToggleDay))

	req := httptest.NewRequest(http.MethodGet, "/habit-day-toggle/abc/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if completions.toggleCalls != 0 {
		t.Fatalf("expected no toggle on GET")
	}
}
