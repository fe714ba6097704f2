package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/cryptox"
	"github.com/dmitrijs2005/gophtrust/internal/dbx"
	"github.com/dmitrijs2005/gophtrust/internal/server/auth"
	"github.com/dmitrijs2005/gophtrust/internal/server/config"
	"github.com/dmitrijs2005/gophtrust/internal/server/models"
	"github.com/dmitrijs2005/gophtrust/internal/server/repositories/kv"
	refreshtokensrepo "github.com/dmitrijs2005/gophtrust/internal/server/repositories/refreshtokens"
	usersrepo "github.com/dmitrijs2005/gophtrust/internal/server/repositories/users"
	"github.com/dmitrijs2005/gophtrust/internal/server/telemetry"
	"github.com/dmitrijs2005/gophtrust/internal/server/tokenfamily"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeUsersRepo struct {
	byLogin map[string]*models.User
	getErr  error
}

func (f *fakeUsersRepo) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byLogin[login]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u, nil
}

func (f *fakeUsersRepo) GetUserByID(context.Context, string) (*models.User, error) {
	return nil, common.ErrorNotFound
}
func (f *fakeUsersRepo) ListPage(context.Context, int, int) ([]*models.User, error) { return nil, nil }
func (f *fakeUsersRepo) Count(context.Context) (int64, error)                       { return 0, nil }
func (f *fakeUsersRepo) CountByProvider(context.Context) (map[string]int64, error)  { return nil, nil }
func (f *fakeUsersRepo) SetIdentityProvider(context.Context, string, string) error  { return nil }

type fakeRefreshRepo struct {
	mu        sync.Mutex
	rows      map[string]*models.RefreshToken
	createErr error
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{rows: map[string]*models.RefreshToken{}}
}

func (f *fakeRefreshRepo) Create(_ context.Context, userID, familyID, token string, validity time.Duration) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[token] = &models.RefreshToken{
		UserID: userID, FamilyID: familyID, Token: token,
		Expires: time.Now().Add(validity), CreatedAt: time.Now(),
	}
	return nil
}

func (f *fakeRefreshRepo) Find(_ context.Context, token string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRefreshRepo) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, token)
	return nil
}

func (f *fakeRefreshRepo) DeleteFamily(_ context.Context, familyID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, r := range f.rows {
		if r.FamilyID == familyID {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeRefreshRepo) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func (f *fakeRefreshRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeRepoManager struct {
	u *fakeUsersRepo
	r *fakeRefreshRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error        { return nil }
func (m *fakeRepoManager) Users(dbx.DBTX) usersrepo.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(dbx.DBTX) refreshtokensrepo.Repository { return m.r }
func (m *fakeRepoManager) KV(dbx.DBTX) kv.Store                                { return nil }

type brokenTracker struct{ err error }

func (b brokenTracker) Register(context.Context, string, time.Duration, string) (string, int64, error) {
	return "", 0, b.err
}
func (b brokenTracker) IsLatest(context.Context, string, string) (bool, error) { return false, b.err }
func (b brokenTracker) IsRevoked(context.Context, string) (bool, error)        { return false, b.err }
func (b brokenTracker) RevokeFamily(context.Context, string, time.Duration) ([]string, error) {
	return nil, b.err
}

// --- helpers ---

var testCfg = &config.Config{
	SecretKey:                    "k",
	LegacyIssuer:                 "https://legacy.example.com",
	AccessTokenValidityDuration:  time.Hour,
	RefreshTokenValidityDuration: 2 * time.Hour,
	FamilyRevocationTTL:          24 * time.Hour,
}

type fixture struct {
	svc     *SessionService
	refresh *fakeRefreshRepo
	tracker *tokenfamily.Tracker
}

func newFixture(t *testing.T, users ...*models.User) *fixture {
	t.Helper()
	byLogin := map[string]*models.User{}
	for _, u := range users {
		byLogin[u.UserName] = u
	}
	refresh := newFakeRefreshRepo()
	rm := &fakeRepoManager{u: &fakeUsersRepo{byLogin: byLogin}, r: refresh}
	tracker := tokenfamily.NewTracker(kv.NewMemoryStore(), "test:", nil)
	return &fixture{
		svc:     NewSessionService(nil, rm, tracker, testCfg, telemetry.NewRecorder(16), nil),
		refresh: refresh,
		tracker: tracker,
	}
}

func legacyUser() *models.User {
	return &models.User{
		ID: "u1", UserName: "alice", Salt: []byte("salt"),
		Verifier: []byte("verifier"), IdentityProvider: models.ProviderLegacy,
	}
}

// --- tests ---

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, legacyUser())

	pair, err := f.svc.Login(context.Background(), "alice", []byte("verifier"))
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.Len(t, pair.RefreshToken, 64)
	require.NotEmpty(t, pair.FamilyID)

	claims, err := auth.ParseToken(pair.AccessToken, []byte("k"), testCfg.LegacyIssuer)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	latest, err := f.tracker.IsLatest(context.Background(), pair.FamilyID, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, latest)
	assert.Equal(t, 1, f.refresh.count())
}

func TestLogin_Rejections(t *testing.T) {
	migrated := legacyUser()
	migrated.UserName = "bob"
	migrated.IdentityProvider = models.ProviderExternal

	f := newFixture(t, legacyUser(), migrated)
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "nobody", []byte("verifier"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = f.svc.Login(ctx, "alice", []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = f.svc.Login(ctx, "bob", []byte("verifier"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestLogin_RepoError(t *testing.T) {
	rm := &fakeRepoManager{u: &fakeUsersRepo{getErr: errors.New("boom")}, r: newFakeRefreshRepo()}
	svc := NewSessionService(nil, rm, tokenfamily.NewTracker(kv.NewMemoryStore(), "", nil), testCfg, nil, nil)

	_, err := svc.Login(context.Background(), "alice", []byte("verifier"))
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestLoginWithPassword(t *testing.T) {
	u := legacyUser()
	u.Verifier = cryptox.DeriveVerifier([]byte("hunter2"), u.Salt)
	f := newFixture(t, u)

	pair, err := f.svc.LoginWithPassword(context.Background(), "alice", []byte("hunter2"))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)

	_, err = f.svc.LoginWithPassword(context.Background(), "alice", []byte("hunter3"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = f.svc.LoginWithPassword(context.Background(), "nobody", []byte("hunter2"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestGetSalt(t *testing.T) {
	f := newFixture(t, legacyUser())

	salt, err := f.svc.GetSalt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("salt"), salt)

	random, err := f.svc.GetSalt(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Len(t, random, 32)
}

func TestRefresh_RotatesWithinFamily(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.FamilyID, next.FamilyID)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	latest, err := f.tracker.IsLatest(ctx, next.FamilyID, next.RefreshToken)
	require.NoError(t, err)
	assert.True(t, latest)

	// superseded rows stay so a replay can be attributed to the family
	assert.Equal(t, 2, f.refresh.count())
}

func TestRefresh_ReplayRevokesFamily(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	first, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	require.ErrorIs(t, err, common.ErrTokenReuse)

	revoked, err := f.tracker.IsRevoked(ctx, first.FamilyID)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, 0, f.refresh.count())

	// the legitimate holder is locked out too
	_, err = f.svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestRefresh_RevokedFamily(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)
	_, err = f.tracker.RevokeFamily(ctx, pair.FamilyID, time.Hour)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, common.ErrFamilyRevoked)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestRefresh_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestRefresh_Expired(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)
	f.refresh.mu.Lock()
	f.refresh.rows[pair.RefreshToken].Expires = time.Now().Add(-time.Minute)
	f.refresh.mu.Unlock()

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
}

func TestRefresh_TrackerDownFailsClosed(t *testing.T) {
	refresh := newFakeRefreshRepo()
	require.NoError(t, refresh.Create(context.Background(), "u1", "fam", "tok", time.Hour))
	rm := &fakeRepoManager{u: &fakeUsersRepo{}, r: refresh}
	svc := NewSessionService(nil, rm, brokenTracker{err: common.ErrStorageUnavailable}, testCfg, nil, nil)

	pair, err := svc.Refresh(context.Background(), "tok")
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestLogin_RegisterFailureRemovesRow(t *testing.T) {
	refresh := newFakeRefreshRepo()
	rm := &fakeRepoManager{u: &fakeUsersRepo{byLogin: map[string]*models.User{"alice": legacyUser()}}, r: refresh}
	svc := NewSessionService(nil, rm, brokenTracker{err: common.ErrStorageUnavailable}, testCfg, nil, nil)

	_, err := svc.Login(context.Background(), "alice", []byte("verifier"))
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.Equal(t, 0, refresh.count())
}

func TestRefresh_RecordsLatency(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, "unknown")
	require.Error(t, err)

	b, err := f.svc.recorder.Baseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Samples)
	assert.InDelta(t, 0.5, b.SuccessRate, 1e-9)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, legacyUser())
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", []byte("verifier"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	assert.Equal(t, 0, f.refresh.count())

	revoked, err := f.tracker.IsRevoked(ctx, pair.FamilyID)
	require.NoError(t, err)
	assert.True(t, revoked)

	// unknown tokens are ignored
	assert.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
}

func TestValidateAccessToken(t *testing.T) {
	f := newFixture(t, legacyUser())

	pair, err := f.svc.Login(context.Background(), "alice", []byte("verifier"))
	require.NoError(t, err)

	uid, err := f.svc.ValidateAccessToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	foreign, err := auth.GenerateToken("u1", "https://other", []byte("k"), time.Minute)
	require.NoError(t, err)
	_, err = f.svc.ValidateAccessToken(context.Background(), foreign)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}
