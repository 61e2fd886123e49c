package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"llm-platform-backend/internal/account/domain"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/security"
)

type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{accounts: map[string]*domain.Account{}}
}

func (m *memAccountRepo) GetByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccountRepo) GetByUsername(_ context.Context, username string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAccountRepo) Create(_ context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *memAccountRepo) List(_ context.Context) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAccountRepo) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	a.Active = active
	if active {
		a.FailedLogins = 0
	}
	return nil
}

func (m *memAccountRepo) UpdateUsername(_ context.Context, id, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	a.Username = username
	return nil
}

func (m *memAccountRepo) bump(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.TokenVersion++
	return a.TokenVersion
}

type memInvalidator struct {
	repo  *memAccountRepo
	calls int
}

func (m *memInvalidator) ForceLogout(_ context.Context, accountID string) (int, error) {
	m.calls++
	return m.repo.bump(accountID), nil
}

type fixture struct {
	repo        *memAccountRepo
	invalidator *memInvalidator
	router      *mux.Router
}

func newFixture() *fixture {
	repo := newMemAccountRepo()
	inv := &memInvalidator{repo: repo}
	h := NewHandler(repo, inv, security.NewHasher(4), logging.NewNop())
	r := mux.NewRouter()
	h.Register(r)
	return &fixture{repo: repo, invalidator: inv, router: r}
}

func (f *fixture) seed(id, username string) {
	f.repo.accounts[id] = &domain.Account{
		ID: id, Username: username, Role: domain.RoleStudent,
		Active: true, TokenVersion: 1, FailedLogins: 2,
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestCreateUser(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/admin/users", map[string]any{
		"username": "bob", "password": "initial-pass-1", "role": "student", "class_name": "2-A",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Username != "bob" || out.Role != "student" || !out.Active {
		t.Errorf("response = %+v", out)
	}
	if out.TokenVersion != 1 {
		t.Errorf("token version = %d, want 1", out.TokenVersion)
	}
	if out.DailyTokenLimit != defaultDailyTokenLimit {
		t.Errorf("limit = %d, want default", out.DailyTokenLimit)
	}

	stored, _ := f.repo.GetByID(context.Background(), out.ID)
	if stored == nil {
		t.Fatal("account not persisted")
	}
	if stored.PasswordHash == "initial-pass-1" || stored.PasswordHash == "" {
		t.Error("password stored unhashed")
	}
	if !strings.HasPrefix(stored.APIKey, "sk-") {
		t.Errorf("api key = %q, want generated gateway key", stored.APIKey)
	}
	if strings.Contains(rec.Body.String(), stored.APIKey) {
		t.Error("gateway key leaked in response")
	}
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	f := newFixture()
	f.seed("acct-1", "bob")

	rec := f.do(http.MethodPost, "/admin/users", map[string]any{
		"username": "bob", "password": "initial-pass-1", "role": "student",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateUser_InvalidRole(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/admin/users", map[string]any{
		"username": "eve", "password": "initial-pass-1", "role": "superuser",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestForceLogout(t *testing.T) {
	f := newFixture()
	f.seed("acct-1", "bob")

	rec := f.do(http.MethodPost, "/admin/users/acct-1/logout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]int
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["token_version"] != 2 {
		t.Errorf("token_version = %d, want 2", out["token_version"])
	}

	rec = f.do(http.MethodPost, "/admin/users/acct-1/logout", nil)
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["token_version"] != 3 {
		t.Errorf("second call token_version = %d, want 3", out["token_version"])
	}
}

func TestForceLogout_UnknownAccount(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/admin/users/nope/logout", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeactivateForcesLogout(t *testing.T) {
	f := newFixture()
	f.seed("acct-1", "bob")

	rec := f.do(http.MethodPost, "/admin/users/acct-1/deactivate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stored, _ := f.repo.GetByID(context.Background(), "acct-1")
	if stored.Active {
		t.Error("account still active")
	}
	if stored.TokenVersion != 2 {
		t.Errorf("token version = %d, want bumped to 2", stored.TokenVersion)
	}
}

func TestActivateResetsCounterButNotVersion(t *testing.T) {
	f := newFixture()
	f.seed("acct-1", "bob")
	f.do(http.MethodPost, "/admin/users/acct-1/deactivate", nil)

	rec := f.do(http.MethodPost, "/admin/users/acct-1/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stored, _ := f.repo.GetByID(context.Background(), "acct-1")
	if !stored.Active {
		t.Error("account not reactivated")
	}
	if stored.FailedLogins != 0 {
		t.Errorf("failed logins = %d, want reset", stored.FailedLogins)
	}
	if stored.TokenVersion != 2 {
		t.Errorf("token version = %d, reactivation must not roll it back", stored.TokenVersion)
	}
}

func TestRename(t *testing.T) {
	f := newFixture()
	f.seed("acct-1", "bob")
	f.seed("acct-2", "carol")

	t.Run("conflict", func(t *testing.T) {
		rec := f.do(http.MethodPatch, "/admin/users/acct-1/username", map[string]string{"username": "carol"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("success forces logout", func(t *testing.T) {
		rec := f.do(http.MethodPatch, "/admin/users/acct-1/username", map[string]string{"username": "robert"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		stored, _ := f.repo.GetByID(context.Background(), "acct-1")
		if stored.Username != "robert" {
			t.Errorf("username = %q", stored.Username)
		}
		if stored.TokenVersion != 2 {
			t.Errorf("token version = %d, want bumped", stored.TokenVersion)
		}
	})
}
