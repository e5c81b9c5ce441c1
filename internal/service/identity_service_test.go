package service

import (
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIdentityResolve_IsStablePerSessionAndUser(t *testing.T) {
	f := newFixture(t)
	prof := f.user(t, "prof", model.Professor)
	sess := f.session(t, prof, "Linear Algebra", true, 0.3)
	svc := NewIdentityService(f.identity, nil, testIdentityConfig())
	ctx := context.Background()

	first, err := svc.Resolve(ctx, sess.ID, 42)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	for i := 0; i < 3; i++ {
		again, err := svc.Resolve(ctx, sess.ID, 42)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var count int64
	require.NoError(t, f.db.Model(&model.AnonymousIdentity{}).Where("session_id = ?", sess.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIdentityResolve_NamesAreUniqueWithinSession(t *testing.T) {
	f := newFixture(t)
	prof := f.user(t, "prof", model.Professor)
	sess := f.session(t, prof, "Biology", true, 0.3)
	svc := NewIdentityService(f.identity, nil, testIdentityConfig())

	seen := map[string]uint{}
	for uid := uint(1); uid <= 200; uid++ {
		name, err := svc.Resolve(context.Background(), sess.ID, uid)
		require.NoError(t, err)
		if other, dup := seen[name]; dup {
			t.Fatalf("name %q assigned to both user %d and user %d", name, other, uid)
		}
		seen[name] = uid
	}
}

func TestIdentityResolve_SessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	prof := f.user(t, "prof", model.Professor)
	a := f.session(t, prof, "Chemistry", true, 0.3)
	b := f.session(t, prof, "Physics", true, 0.3)
	svc := NewIdentityService(f.identity, nil, testIdentityConfig())
	ctx := context.Background()

	nameA, err := svc.Resolve(ctx, a.ID, 7)
	require.NoError(t, err)
	nameB, err := svc.Resolve(ctx, b.ID, 7)
	require.NoError(t, err)

	names, err := svc.DisplayNames(ctx, a.ID, []uint{7})
	require.NoError(t, err)
	assert.Equal(t, nameA, names[7])

	names, err = svc.DisplayNames(ctx, b.ID, []uint{7})
	require.NoError(t, err)
	assert.Equal(t, nameB, names[7])
}

func TestIdentityResolve_ConcurrentFirstResolveAgrees(t *testing.T) {
	f := newFixture(t)
	prof := f.user(t, "prof", model.Professor)
	sess := f.session(t, prof, "Statistics", true, 0.3)
	svc := NewIdentityService(f.identity, nil, testIdentityConfig())

	const workers = 16
	results := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Resolve(context.Background(), sess.ID, 99)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestIdentityResolve_ConcurrentUsersGetDistinctNames(t *testing.T) {
	f := newFixture(t)
	prof := f.user(t, "prof", model.Professor)
	sess := f.session(t, prof, "History", true, 0.3)
	svc := NewIdentityService(f.identity, nil, testIdentityConfig())

	const workers = 24
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := svc.Resolve(context.Background(), sess.ID, uint(i+1))
			if err != nil {
				t.Errorf("resolve user %d: %v", i+1, err)
				return
			}
			results[i] = name
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, name := range results {
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
}

func TestIdentityResolve_RejectsMissingArguments(t *testing.T) {
	svc := NewIdentityService(&failingIdentityStore{}, nil, testIdentityConfig())

	_, err := svc.Resolve(context.Background(), "", 1)
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
	_, err = svc.Resolve(context.Background(), "s", 0)
	assert.ErrorIs(t, err, util.ErrInvalidArgument)
}

type failingIdentityStore struct {
	mu    sync.Mutex
	finds int
}

var errStoreDown = errors.New("store unreachable")

func (s *failingIdentityStore) Find(context.Context, string, uint) (*model.AnonymousIdentity, error) {
	s.mu.Lock()
	s.finds++
	s.mu.Unlock()
	return nil, errStoreDown
}

func (s *failingIdentityStore) CreateIfAbsent(context.Context, *model.AnonymousIdentity) (bool, error) {
	return false, errStoreDown
}

func (s *failingIdentityStore) NamesInSession(context.Context, string) ([]string, error) {
	return nil, errStoreDown
}

func (s *failingIdentityStore) NamesByUsers(context.Context, string, []uint) (map[uint]string, error) {
	return nil, errStoreDown
}

func TestIdentityResolve_StoreFailureIsUnavailableAfterOneRetry(t *testing.T) {
	store := &failingIdentityStore{}
	svc := NewIdentityService(store, nil, testIdentityConfig())

	name, err := svc.Resolve(context.Background(), "session-1", 5)
	assert.Empty(t, name)
	assert.ErrorIs(t, err, util.ErrIdentityUnavailable)
	assert.Equal(t, 2, store.finds)
}

// takenStore 所有候选名称都冲突，模拟名称空间耗尽
type takenStore struct {
	failingIdentityStore
}

func (s *takenStore) Find(context.Context, string, uint) (*model.AnonymousIdentity, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *takenStore) NamesInSession(context.Context, string) ([]string, error) {
	return nil, nil
}

func (s *takenStore) CreateIfAbsent(context.Context, *model.AnonymousIdentity) (bool, error) {
	return false, nil
}

func TestIdentityResolve_ExhaustedNameSpaceIsNotRetried(t *testing.T) {
	svc := NewIdentityService(&takenStore{}, nil, testIdentityConfig())

	_, err := svc.Resolve(context.Background(), "session-1", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrIdentityUnavailable)
	assert.ErrorContains(t, err, errNameSpaceExhausted.Error())
}

func TestNameGenerator_DrawAvoidsTakenNames(t *testing.T) {
	g := NewNameGenerator()
	taken := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := g.Draw(taken, false)
		require.False(t, taken[name])
		taken[name] = true
	}

	suffixed := g.Draw(taken, true)
	assert.Regexp(t, `^\w+ \w+ \d{2}$`, suffixed)
	assert.Equal(t, 1600, PoolSize())
}
