package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"llm-platform-backend/internal/account/domain"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/security"
)

type memAccountRepo struct {
	mu       sync.Mutex
	byID     map[string]*domain.Account
	attempts []*domain.LoginAttempt
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{byID: map[string]*domain.Account{}}
}

func (r *memAccountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *memAccountRepo) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) GetByAPIKey(ctx context.Context, key string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.APIKey == key {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return 0, errors.New("account not found")
	}
	a.TokenVersion++
	return a.TokenVersion, nil
}

func (r *memAccountRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.PasswordHash = passwordHash
	}
	return nil
}

func (r *memAccountRepo) IncrementFailedLogins(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.FailedLogins++
	}
	return nil
}

func (r *memAccountRepo) ResetFailedLogins(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.FailedLogins = 0
	}
	return nil
}

func (r *memAccountRepo) RecordLoginAttempt(ctx context.Context, att *domain.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, att)
	return nil
}

func (r *memAccountRepo) lastAttempt() *domain.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) == 0 {
		return nil
	}
	return r.attempts[len(r.attempts)-1]
}

const testPassword = "Sup3r-secret-pass"

func newTestService(t *testing.T) (*AuthService, *memAccountRepo, *domain.Account) {
	t.Helper()
	repo := newMemAccountRepo()
	hasher := security.NewHasher(4) // min cost keeps tests fast
	tokens, err := security.NewTokenProvider([]byte("0123456789abcdef0123456789abcdef"), "llm-platform", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	hash, err := hasher.Hash([]byte(testPassword))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	acct := &domain.Account{
		ID:           "acct-1",
		Username:     "alice",
		PasswordHash: hash,
		Role:         domain.RoleStudent,
		Active:       true,
		APIKey:       "legacy-key-1",
		TokenVersion: 1,
	}
	repo.byID[acct.ID] = acct
	return NewAuthService(repo, hasher, tokens, logging.NewNop()), repo, acct
}

func TestLogin_Success(t *testing.T) {
	svc, repo, acct := newTestService(t)

	res, err := svc.Login(context.Background(), "alice", testPassword, "10.0.0.1", "go-test")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("Login returned empty token")
	}
	if res.RawFingerprint == "" {
		t.Fatal("Login returned empty fingerprint")
	}

	claims, err := svc.tokens.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TokenVersion != acct.TokenVersion {
		t.Errorf("tv claim = %d, want account version %d", claims.TokenVersion, acct.TokenVersion)
	}
	if claims.FingerprintHash != security.HashFingerprint(res.RawFingerprint) {
		t.Error("fgp claim should be the hash of the raw fingerprint")
	}
	if claims.Role != "student" {
		t.Errorf("role claim = %q, want student", claims.Role)
	}

	att := repo.lastAttempt()
	if att == nil || !att.Success {
		t.Error("successful login should record a success attempt")
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	svc, repo, _ := newTestService(t)

	_, err := svc.Login(context.Background(), "nobody", "whatever", "10.0.0.1", "go-test")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	att := repo.lastAttempt()
	if att == nil || att.Success || att.FailureReason != "user_not_found" {
		t.Errorf("attempt record = %+v, want user_not_found failure", att)
	}
	if att.AccountID != "" {
		t.Error("unknown user attempt should have no account id")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, repo, acct := newTestService(t)

	_, err := svc.Login(context.Background(), "alice", "wrong", "10.0.0.1", "go-test")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if repo.byID[acct.ID].FailedLogins != 1 {
		t.Errorf("FailedLogins = %d, want 1", repo.byID[acct.ID].FailedLogins)
	}
	if att := repo.lastAttempt(); att == nil || att.FailureReason != "invalid_password" {
		t.Errorf("attempt record = %+v, want invalid_password", att)
	}
}

func TestLogin_DisabledAccount(t *testing.T) {
	svc, repo, acct := newTestService(t)
	repo.byID[acct.ID].Active = false

	_, err := svc.Login(context.Background(), "alice", testPassword, "10.0.0.1", "go-test")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if att := repo.lastAttempt(); att == nil || att.FailureReason != "account_disabled" {
		t.Errorf("attempt record = %+v, want account_disabled", att)
	}
}

func login(t *testing.T, svc *AuthService) *LoginResult {
	t.Helper()
	res, err := svc.Login(context.Background(), "alice", testPassword, "10.0.0.1", "go-test")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func TestAuthenticate_Success(t *testing.T) {
	svc, _, acct := newTestService(t)
	res := login(t, svc)

	got, err := svc.Authenticate(context.Background(), Credentials{
		BearerToken:    res.Token,
		RawFingerprint: res.RawFingerprint,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != acct.ID {
		t.Errorf("resolved account %q, want %q", got.ID, acct.ID)
	}
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Authenticate(context.Background(), Credentials{})
	if reason, ok := Rejected(err); !ok || reason != ReasonMissingCredentials {
		t.Fatalf("want ReasonMissingCredentials, got %v", err)
	}
}

func TestAuthenticate_MalformedToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Authenticate(context.Background(), Credentials{BearerToken: "not-a-jwt"})
	if reason, ok := Rejected(err); !ok || reason != ReasonMalformedToken {
		t.Fatalf("want ReasonMalformedToken, got %v", err)
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	svc, _, acct := newTestService(t)
	short, err := security.NewTokenProvider([]byte("0123456789abcdef0123456789abcdef"), "llm-platform", time.Millisecond)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	// Version matches; only time has passed.
	token, _, err := short.Issue(acct.ID, acct.Username, string(acct.Role), acct.TokenVersion, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = svc.Authenticate(context.Background(), Credentials{BearerToken: token})
	if reason, ok := Rejected(err); !ok || reason != ReasonExpiredToken {
		t.Fatalf("want ReasonExpiredToken, got %v", err)
	}
}

func TestAuthenticate_FingerprintBinding(t *testing.T) {
	svc, _, _ := newTestService(t)
	res := login(t, svc)

	other, _ := security.GenerateFingerprint()
	cases := []struct {
		name string
		raw  string
	}{
		{"no cookie", ""},
		{"different cookie", other},
		{"hash instead of raw", security.HashFingerprint(res.RawFingerprint)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), Credentials{
				BearerToken:    res.Token,
				RawFingerprint: tc.raw,
			})
			if reason, ok := Rejected(err); !ok || reason != ReasonBindingFailed {
				t.Fatalf("want ReasonBindingFailed, got %v", err)
			}
		})
	}
}

func TestAuthenticate_TokenWithoutFingerprintSkipsBinding(t *testing.T) {
	svc, _, acct := newTestService(t)
	token, _, err := svc.tokens.Issue(acct.ID, acct.Username, string(acct.Role), acct.TokenVersion, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), Credentials{BearerToken: token}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticate_InactiveAccount(t *testing.T) {
	svc, repo, acct := newTestService(t)
	res := login(t, svc)
	repo.byID[acct.ID].Active = false

	_, err := svc.Authenticate(context.Background(), Credentials{
		BearerToken:    res.Token,
		RawFingerprint: res.RawFingerprint,
	})
	if reason, ok := Rejected(err); !ok || reason != ReasonAccountInactive {
		t.Fatalf("want ReasonAccountInactive, got %v", err)
	}
}

func TestAuthenticate_RevokedAfterForceLogout(t *testing.T) {
	svc, _, acct := newTestService(t)
	res := login(t, svc)

	if _, err := svc.ForceLogout(context.Background(), acct.ID); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}

	_, err := svc.Authenticate(context.Background(), Credentials{
		BearerToken:    res.Token,
		RawFingerprint: res.RawFingerprint,
	})
	if reason, ok := Rejected(err); !ok || reason != ReasonRevoked {
		t.Fatalf("want ReasonRevoked, got %v", err)
	}
}

func TestForceLogout_StrictlyIncreases(t *testing.T) {
	svc, repo, acct := newTestService(t)

	v1, err := svc.ForceLogout(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}
	v2, err := svc.ForceLogout(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}
	if v1 != 2 || v2 != 3 {
		t.Errorf("versions = %d, %d; want 2, 3", v1, v2)
	}
	if repo.byID[acct.ID].TokenVersion != 3 {
		t.Errorf("stored version = %d, want 3", repo.byID[acct.ID].TokenVersion)
	}
}

func TestChangePassword_InvalidatesAllTokens(t *testing.T) {
	svc, repo, acct := newTestService(t)
	first := login(t, svc)
	second := login(t, svc)

	version, err := svc.ChangePassword(context.Background(), acct.ID, testPassword, "N3w-secret-pass!")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if version != 2 {
		t.Errorf("new version = %d, want exactly one increment", version)
	}

	for i, res := range []*LoginResult{first, second} {
		_, err := svc.Authenticate(context.Background(), Credentials{
			BearerToken:    res.Token,
			RawFingerprint: res.RawFingerprint,
		})
		if reason, ok := Rejected(err); !ok || reason != ReasonRevoked {
			t.Errorf("token %d: want ReasonRevoked, got %v", i, err)
		}
	}

	// New password works, old one does not.
	if _, err := svc.Login(context.Background(), "alice", "N3w-secret-pass!", "10.0.0.1", "go-test"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if _, err := svc.Login(context.Background(), "alice", testPassword, "10.0.0.1", "go-test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("login with old password should fail, got %v", err)
	}
	if repo.byID[acct.ID].TokenVersion != 2 {
		t.Errorf("stored version = %d, want 2", repo.byID[acct.ID].TokenVersion)
	}
}

func TestChangePassword_WrongCurrent(t *testing.T) {
	svc, repo, acct := newTestService(t)

	_, err := svc.ChangePassword(context.Background(), acct.ID, "wrong", "N3w-secret-pass!")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if repo.byID[acct.ID].TokenVersion != 1 {
		t.Error("failed password change must not advance the token version")
	}
}

func TestAuthenticate_LegacyKey(t *testing.T) {
	svc, repo, acct := newTestService(t)

	got, err := svc.Authenticate(context.Background(), Credentials{APIKey: "legacy-key-1"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != acct.ID {
		t.Errorf("resolved account %q, want %q", got.ID, acct.ID)
	}

	_, err = svc.Authenticate(context.Background(), Credentials{APIKey: "no-such-key"})
	if reason, ok := Rejected(err); !ok || reason != ReasonKeyInvalid {
		t.Fatalf("want ReasonKeyInvalid, got %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	repo.byID[acct.ID].APIKeyExpiresAt = &past
	_, err = svc.Authenticate(context.Background(), Credentials{APIKey: "legacy-key-1"})
	if reason, ok := Rejected(err); !ok || reason != ReasonKeyExpired {
		t.Fatalf("want ReasonKeyExpired, got %v", err)
	}
}

func TestAuthenticate_BearerTakesPrecedenceOverKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	// A bad bearer token must not fall through to the valid legacy key.
	_, err := svc.Authenticate(context.Background(), Credentials{
		BearerToken: "garbage",
		APIKey:      "legacy-key-1",
	})
	if reason, ok := Rejected(err); !ok || reason != ReasonMalformedToken {
		t.Fatalf("want ReasonMalformedToken, got %v", err)
	}
}
