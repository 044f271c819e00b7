package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/api/internal/models"
	"github.com/postpilot/api/internal/scheduler"
	"github.com/postpilot/api/internal/transfer"
)

// manualClock drives registry timers by explicit Advance calls.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	fireAt  time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, fireAt: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.fireAt.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// fakePostRepo is an in-memory PostRepository.
type fakePostRepo struct {
	mu        sync.Mutex
	seq       int64
	posts     map[int64]*models.Post
	createErr error
	removed   []int64
}

func newFakePostRepo() *fakePostRepo {
	return &fakePostRepo{posts: make(map[int64]*models.Post)}
}

func (r *fakePostRepo) Create(_ context.Context, _ *sql.Tx, post *models.Post) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return 0, r.createErr
	}
	r.seq++
	stored := *post
	stored.ID = r.seq
	r.posts[stored.ID] = &stored
	return stored.ID, nil
}

func (r *fakePostRepo) GetByID(_ context.Context, id int64) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	copied := *post
	return &copied, nil
}

func (r *fakePostRepo) GetByUserID(_ context.Context, userID int64) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, post := range r.posts {
		if post.UserID == userID {
			copied := *post
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakePostRepo) ListPending(_ context.Context) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, post := range r.posts {
		if post.ScheduledAt != nil && post.PublishedAt == nil && post.CanceledAt == nil {
			copied := *post
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakePostRepo) SetPublished(_ context.Context, id int64, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return errors.New("post not found")
	}
	post.PublishedAt = &publishedAt
	return nil
}

func (r *fakePostRepo) SetCanceled(_ context.Context, id int64, canceledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return errors.New("post not found")
	}
	post.CanceledAt = &canceledAt
	post.ScheduledAt = nil
	post.JobID = nil
	return nil
}

func (r *fakePostRepo) Remove(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.posts, id)
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakePostRepo) get(id int64) *models.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posts[id]
}

// fakeAccountRepo is an in-memory SocialAccountRepository.
type fakeAccountRepo struct {
	accounts map[string]*models.SocialAccount
}

func newFakeAccountRepo(accounts ...*models.SocialAccount) *fakeAccountRepo {
	r := &fakeAccountRepo{accounts: make(map[string]*models.SocialAccount)}
	for _, a := range accounts {
		r.accounts[a.AccountUsername] = a
	}
	return r
}

func (r *fakeAccountRepo) Create(_ context.Context, _ *sql.Tx, sa *models.SocialAccount) (int64, error) {
	r.accounts[sa.AccountUsername] = sa
	return sa.ID, nil
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id int64) (*models.SocialAccount, error) {
	for _, a := range r.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeAccountRepo) GetByUsername(_ context.Context, userID int64, username string) (*models.SocialAccount, error) {
	a, ok := r.accounts[username]
	if !ok || a.UserID != userID {
		return nil, nil
	}
	return a, nil
}

func (r *fakeAccountRepo) ListInfoByUserID(_ context.Context, userID int64) ([]*models.SocialAccount, error) {
	var out []*models.SocialAccount
	for _, a := range r.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAccountRepo) CheckByUserID(_ context.Context, accountID, userID int64) (bool, error) {
	for _, a := range r.accounts {
		if a.ID == accountID && a.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeAccountRepo) SetSession(_ context.Context, _ int64, _ *models.SocialAccount) error {
	return nil
}

func (r *fakeAccountRepo) Remove(_ context.Context, _ int64) error { return nil }

type fakeSessions struct {
	mu      sync.Mutex
	calls   int
	restore func(call int) (bool, error)
}

func (f *fakeSessions) RestoreSession(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.restore != nil {
		return f.restore(f.calls)
	}
	return true, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGateway) PublishPhoto(_ context.Context, _ string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeGateway) publishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMedia struct {
	uploads  map[string][]byte
	fetchErr error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{uploads: make(map[string][]byte)}
}

func (f *fakeMedia) Upload(_ context.Context, key string, file []byte, _ string) error {
	f.uploads[key] = file
	return nil
}

func (f *fakeMedia) Fetch(_ context.Context, key string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if data, ok := f.uploads[key]; ok {
		return data, nil
	}
	return []byte("image-bytes"), nil
}

type testEnv struct {
	clock    *manualClock
	registry *scheduler.Registry
	posts    *fakePostRepo
	accounts *fakeAccountRepo
	sessions *fakeSessions
	gateway  *fakeGateway
	media    *fakeMedia
	svc      PostService
}

var testAccount = &models.SocialAccount{
	ID:              7,
	UserID:          1,
	Platform:        "instagram",
	AccountID:       "17841400000000001",
	AccountUsername: "ana.paints",
	SessionData:     "opaque-session-blob",
}

func newTestEnv() *testEnv {
	clock := newManualClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := scheduler.NewRegistryWithClock(clock)
	posts := newFakePostRepo()
	accounts := newFakeAccountRepo(testAccount)
	sessions := &fakeSessions{}
	gateway := &fakeGateway{}
	media := newFakeMedia()

	svc := NewPostService(posts, accounts, registry, sessions, gateway, media, clock, 30*time.Second)
	return &testEnv{
		clock:    clock,
		registry: registry,
		posts:    posts,
		accounts: accounts,
		sessions: sessions,
		gateway:  gateway,
		media:    media,
		svc:      svc,
	}
}

func creation(postDate string) *transfer.PostCreation {
	return &transfer.PostCreation{
		Username: "ana.paints",
		Caption:  "sunset over the marina",
		ImageKey: "img-123",
		PostDate: postDate,
	}
}

func TestImmediatePublishSuccess(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.Create(context.Background(), 1, creation(""))
	require.NoError(t, err)
	require.NotNil(t, result.PublishedAt)
	assert.Nil(t, result.ScheduledAt)
	assert.Equal(t, 1, env.gateway.publishCalls())

	post := env.posts.get(result.PostID)
	require.NotNil(t, post)
	assert.NotNil(t, post.PublishedAt)
	assert.Nil(t, post.ScheduledAt)
	assert.Nil(t, post.JobID)
}

func TestImmediatePublishGatewayFailureCreatesNoRecord(t *testing.T) {
	env := newTestEnv()
	env.gateway.err = errors.New("network unreachable")

	_, err := env.svc.Create(context.Background(), 1, creation(""))
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.Empty(t, env.posts.posts)
}

func TestImmediatePublishUnlinkedAccount(t *testing.T) {
	env := newTestEnv()

	pc := creation("")
	pc.Username = "someone.else"
	_, err := env.svc.Create(context.Background(), 1, pc)
	require.ErrorIs(t, err, ErrAccountNotLinked)
	assert.Equal(t, 0, env.gateway.publishCalls())
}

func TestPastDatePublishesImmediately(t *testing.T) {
	env := newTestEnv()

	past := env.clock.Now().Add(-time.Hour).Format(time.RFC3339)
	result, err := env.svc.Create(context.Background(), 1, creation(past))
	require.NoError(t, err)
	assert.NotNil(t, result.PublishedAt)
	assert.Equal(t, 1, env.gateway.publishCalls())
	assert.Equal(t, 0, env.registry.Len())
}

func TestCreateRejectsMalformedDate(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.Create(context.Background(), 1, creation("tomorrow-ish"))
	require.ErrorIs(t, err, ErrInvalidScheduleTime)
	assert.Empty(t, env.posts.posts)
}

func TestScheduleRejectsExpiredSession(t *testing.T) {
	env := newTestEnv()
	env.sessions.restore = func(int) (bool, error) { return false, nil }

	future := env.clock.Now().Add(time.Hour).Format(time.RFC3339)
	_, err := env.svc.Create(context.Background(), 1, creation(future))
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, env.posts.posts)
	assert.Equal(t, 0, env.registry.Len())
}

func TestScheduledPostFiresAfterAdvance(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(5 * time.Second)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)
	require.NotNil(t, result.ScheduledAt)
	assert.Nil(t, result.PublishedAt)
	assert.Equal(t, 0, env.gateway.publishCalls())
	assert.Equal(t, 1, env.registry.Len())

	env.clock.Advance(5 * time.Second)

	assert.Equal(t, 1, env.gateway.publishCalls())
	post := env.posts.get(result.PostID)
	require.NotNil(t, post)
	require.NotNil(t, post.PublishedAt)
	assert.NotNil(t, post.ScheduledAt, "scheduled_at stays as a historical fact")
	assert.Equal(t, 0, env.registry.Len())

	// The job is dead and the post terminal; a late cancel is refused
	// and the published timestamp survives.
	err = env.svc.Cancel(context.Background(), 1, result.PostID, "ana.paints")
	require.ErrorIs(t, err, ErrPostNotFound)
	assert.NotNil(t, env.posts.get(result.PostID).PublishedAt)
}

func TestCancelBeforeFire(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(10 * time.Second)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	env.clock.Advance(2 * time.Second)
	require.NoError(t, env.svc.Cancel(context.Background(), 1, result.PostID, "ana.paints"))

	post := env.posts.get(result.PostID)
	require.NotNil(t, post)
	assert.NotNil(t, post.CanceledAt)
	assert.Nil(t, post.ScheduledAt)
	assert.Nil(t, post.JobID)

	env.clock.Advance(time.Minute)
	assert.Equal(t, 0, env.gateway.publishCalls())
}

func TestDuplicateScheduleSameSecondRejected(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(30 * time.Second)
	first, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	_, err = env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.ErrorIs(t, err, scheduler.ErrDuplicateJob)

	// The loser's row was cleaned up; the winner is untouched.
	assert.Len(t, env.posts.posts, 1)
	assert.NotNil(t, env.posts.get(first.PostID))
	assert.Equal(t, 1, env.registry.Len())

	// One second apart is fine.
	_, err = env.svc.Create(context.Background(), 1, creation(fireAt.Add(time.Second).Format(time.RFC3339)))
	require.NoError(t, err)
	assert.Equal(t, 2, env.registry.Len())
}

func TestCancelUnknownPost(t *testing.T) {
	env := newTestEnv()

	err := env.svc.Cancel(context.Background(), 1, 999, "ana.paints")
	require.ErrorIs(t, err, ErrPostNotFound)
}

func TestCancelImmediatePostNotFound(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.Create(context.Background(), 1, creation(""))
	require.NoError(t, err)

	err = env.svc.Cancel(context.Background(), 1, result.PostID, "ana.paints")
	require.ErrorIs(t, err, ErrPostNotFound)
	assert.NotNil(t, env.posts.get(result.PostID).PublishedAt)
}

func TestCancelOtherUsersPostNotFound(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(time.Hour)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	err = env.svc.Cancel(context.Background(), 2, result.PostID, "ana.paints")
	require.ErrorIs(t, err, ErrPostNotFound)
	assert.Nil(t, env.posts.get(result.PostID).CanceledAt)
	assert.True(t, env.registry.Contains(*env.posts.get(result.PostID).JobID))
}

func TestCancelRacingFireReportsJobNotFound(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(time.Hour)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	// Simulate the race: the job leaves the registry (as a fire does,
	// before running its callback) while the row still says scheduled.
	post := env.posts.get(result.PostID)
	require.NotNil(t, post.JobID)
	require.True(t, env.registry.Cancel(*post.JobID))

	err = env.svc.Cancel(context.Background(), 1, result.PostID, "ana.paints")
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.Nil(t, env.posts.get(result.PostID).CanceledAt, "a lost cancel must not mark the post canceled")
}

func TestDeferredSessionExpiryAbandonsAttempt(t *testing.T) {
	env := newTestEnv()
	// Valid at schedule time, expired by fire time.
	env.sessions.restore = func(call int) (bool, error) { return call == 1, nil }

	fireAt := env.clock.Now().Add(5 * time.Minute)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	env.clock.Advance(5 * time.Minute)

	assert.Equal(t, 0, env.gateway.publishCalls())
	post := env.posts.get(result.PostID)
	require.NotNil(t, post)
	assert.Nil(t, post.PublishedAt)
	assert.NotNil(t, post.ScheduledAt, "row stays scheduled for out-of-band reconciliation")
	assert.Equal(t, 0, env.registry.Len(), "no retry is armed")

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, env.gateway.publishCalls())
}

func TestDeferredGatewayFailureLeavesRowUnpublished(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(time.Minute)
	result, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	env.gateway.err = errors.New("instagram 500")
	env.clock.Advance(time.Minute)

	assert.Equal(t, 1, env.gateway.publishCalls())
	post := env.posts.get(result.PostID)
	assert.Nil(t, post.PublishedAt)
	assert.NotNil(t, post.ScheduledAt)
	assert.Equal(t, 0, env.registry.Len())
}

func TestRecoverPendingRearmsFutureJobs(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(time.Hour)
	jobID := scheduler.JobID(testAccount.AccountID, fireAt)
	_, err := env.posts.Create(context.Background(), nil, &models.Post{
		UserID:      1,
		AccountID:   testAccount.ID,
		Caption:     "queued before restart",
		ImageKey:    "img-9",
		JobID:       &jobID,
		ScheduledAt: &fireAt,
	})
	require.NoError(t, err)

	rearmed, err := env.svc.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rearmed)
	require.True(t, env.registry.Contains(jobID))

	env.clock.Advance(time.Hour)
	assert.Equal(t, 1, env.gateway.publishCalls())
}

func TestRecoverPendingReportsMissedJobs(t *testing.T) {
	env := newTestEnv()

	past := env.clock.Now().Add(-time.Hour)
	jobID := scheduler.JobID(testAccount.AccountID, past)
	id, err := env.posts.Create(context.Background(), nil, &models.Post{
		UserID:      1,
		AccountID:   testAccount.ID,
		Caption:     "missed during downtime",
		ImageKey:    "img-9",
		JobID:       &jobID,
		ScheduledAt: &past,
	})
	require.NoError(t, err)

	rearmed, err := env.svc.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rearmed)
	assert.False(t, env.registry.Contains(jobID))

	// Never fired late, never mutated.
	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, env.gateway.publishCalls())
	assert.Nil(t, env.posts.get(id).PublishedAt)
}

func TestRecoverPendingSkipsLiveJobs(t *testing.T) {
	env := newTestEnv()

	fireAt := env.clock.Now().Add(time.Hour)
	_, err := env.svc.Create(context.Background(), 1, creation(fireAt.Format(time.RFC3339)))
	require.NoError(t, err)

	rearmed, err := env.svc.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rearmed, "an already-armed timer is left alone")
	assert.Equal(t, 1, env.registry.Len())
}

func TestUploadImageValidatesType(t *testing.T) {
	env := newTestEnv()

	// Minimal PNG magic header.
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
	key, err := env.svc.UploadImage(context.Background(), png)
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Contains(t, env.media.uploads, key)

	_, err = env.svc.UploadImage(context.Background(), []byte("%PDF-1.7 not an image"))
	require.Error(t, err)
}
