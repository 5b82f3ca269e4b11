package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"school-registry/internal/identity"
	"school-registry/internal/ledger"
	"school-registry/internal/model"
)

const (
	adminID    = "0xAdmin"
	strangerID = "0xStranger"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// failingStore lets tests inject read failures in front of a Memory store.
type failingStore struct {
	*ledger.Memory

	mu       sync.Mutex
	listErr  error
	adminErr error
}

func (s *failingStore) GetAllStudentIDs(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	err := s.listErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Memory.GetAllStudentIDs(ctx)
}

func (s *failingStore) Admin(ctx context.Context) (string, error) {
	s.mu.Lock()
	err := s.adminErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.Memory.Admin(ctx)
}

func (s *failingStore) failList(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

// gatedStore holds the first ids listing until the gate is opened.
type gatedStore struct {
	*ledger.Memory

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func newGatedStore(m *ledger.Memory) *gatedStore {
	return &gatedStore{Memory: m, gate: make(chan struct{}), entered: make(chan struct{})}
}

func (s *gatedStore) GetAllStudentIDs(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()

	ids, err := s.Memory.GetAllStudentIDs(ctx)
	if gate != nil {
		close(s.entered)
		<-gate
	}
	return ids, err
}

func newReconciler(store ledger.Store, ident identity.Provider, opts ...func(*Config)) *Reconciler {
	cfg := Config{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewReconciler(store, ident, cfg)
}

// connected returns a reconciler already connected as identity.
func connected(t *testing.T, store ledger.Store, identityName string) *Reconciler {
	t.Helper()
	rec := newReconciler(store, identity.Static(identityName))
	require.NoError(t, rec.Connect(context.Background()))
	return rec
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("operation did not settle")
		return nil
	}
}

func waitPending(t *testing.T, m *ledger.Memory, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Pending() == n }, 2*time.Second, 2*time.Millisecond)
}

func ids(v model.View) []uint64 {
	out := make([]uint64, 0, len(v.Records))
	for _, r := range v.Records {
		out = append(out, r.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestListAllPublishesExactlyRegisteredIDs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := ledger.NewMemory(adminID)
		states := rapid.MapOf(rapid.Uint64Range(0, 64), rapid.Bool()).Draw(t, "states")

		var want []uint64
		for id, registered := range states {
			m.Seed(id, "student", registered, epoch)
			if registered {
				want = append(want, id)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		rec := newReconciler(m, identity.Static(strangerID))
		repeats := rapid.IntRange(1, 3).Draw(t, "repeats")
		for i := 0; i < repeats; i++ {
			if err := rec.ListAll(context.Background()); err != nil {
				t.Fatalf("ListAll: %v", err)
			}
			got := ids(rec.Snapshot())
			if len(want) == 0 && len(got) == 0 {
				continue
			}
			if !assert.ObjectsAreEqual(want, got) {
				t.Fatalf("published %v, want %v", got, want)
			}
		}
	})
}

func TestDuplicateRegisterIsRejectedWhileInFlight(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)
	ctx := context.Background()

	first := async(func() error { return rec.Register(ctx, 5, "Ada") })
	waitPending(t, m, 1)

	err := rec.Register(ctx, 5, "Ada")
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.Equal(t, 1, m.Calls(), "second call must not reach the store")

	m.Mine()
	require.NoError(t, wait(t, first))
	assert.True(t, rec.Snapshot().Contains(5))
	assert.Empty(t, rec.Snapshot().Operations)
}

func TestMutationsRequireAuthorization(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Grace", true, epoch)
	rec := connected(t, m, strangerID)
	before := rec.Snapshot()
	require.False(t, before.Authorized)

	err := rec.Register(context.Background(), 9, "X")
	require.ErrorIs(t, err, ErrUnauthorized)
	err = rec.Remove(context.Background(), 1)
	require.ErrorIs(t, err, ErrUnauthorized)

	assert.Zero(t, m.Calls())
	after := rec.Snapshot()
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, ErrUnauthorized.Error(), after.LastError)
}

func TestRegisterIsNotPublishedBeforeCommit(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)

	done := async(func() error { return rec.Register(context.Background(), 7, "Ada") })
	require.Eventually(t, func() bool {
		op, ok := rec.Snapshot().Operations["register:7"]
		return ok && op.Phase == model.PhaseConfirming
	}, 2*time.Second, 2*time.Millisecond)
	assert.False(t, rec.Snapshot().Contains(7))

	m.Mine()
	require.NoError(t, wait(t, done))

	v := rec.Snapshot()
	require.True(t, v.Contains(7))
	assert.Equal(t, "Ada", v.Records[0].Name)
	assert.Empty(t, v.LastError)
}

func TestRemoveRejectedAtCommitKeepsRecord(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(3, "Linus", true, epoch)
	rec := connected(t, m, adminID)
	before := rec.Snapshot().Records

	done := async(func() error { return rec.Remove(context.Background(), 3) })
	waitPending(t, m, 1)
	m.FailNextBlock("execution reverted")
	m.Mine()

	err := wait(t, done)
	require.ErrorIs(t, err, ErrStoreRejected)
	assert.Equal(t, "execution reverted", err.Error())

	v := rec.Snapshot()
	assert.Equal(t, before, v.Records)
	assert.Equal(t, "execution reverted", v.LastError)
	assert.Empty(t, v.Operations)
}

func TestRemoveThenSearchScenario(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	m.Seed(3, "Grace", true, epoch)
	rec := connected(t, m, adminID)
	ctx := context.Background()

	require.NoError(t, rec.ListAll(ctx))
	assert.Equal(t, []uint64{1, 3}, ids(rec.Snapshot()))

	done := async(func() error { return rec.Remove(ctx, 3) })
	waitPending(t, m, 1)
	m.Mine()
	require.NoError(t, wait(t, done))

	require.NoError(t, rec.ListAll(ctx))
	assert.Equal(t, []uint64{1}, ids(rec.Snapshot()))

	_, err := rec.Search(ctx, 3)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, rec.Snapshot().LastError, "a miss is not an error")
}

func TestUnauthorizedRegisterScenario(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	rec := connected(t, m, strangerID)

	err := rec.Register(context.Background(), 9, "X")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, m.Calls())
	assert.Equal(t, []uint64{1}, ids(rec.Snapshot()))
}

func TestRegisterExistingIDIsAlreadyExists(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	rec := connected(t, m, adminID)

	err := rec.Register(context.Background(), 1, "Someone Else")
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, "already_exists", Code(err))
	assert.Zero(t, m.Calls())
}

func TestRegisterRejectedByStoreAtSubmit(t *testing.T) {
	// The store knows about id 4 but the published list is stale.
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)
	m.Seed(4, "Ada", true, epoch)

	err := rec.Register(context.Background(), 4, "Bob")
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.ErrorIs(t, err, ledger.ErrAlreadyRegistered)
	assert.Equal(t, "already_exists", Code(err))
	assert.Equal(t, "student already registered", err.Error())
	assert.Equal(t, "student already registered", rec.Snapshot().LastError)
	assert.Empty(t, rec.Snapshot().Operations)
}

func TestRemoveRejectedByStoreAtSubmitIsNotFound(t *testing.T) {
	// Removed elsewhere after the last reload.
	m := ledger.NewMemory(adminID)
	m.Seed(6, "Ken", true, epoch)
	rec := connected(t, m, adminID)
	m.Seed(6, "Ken", false, epoch)

	err := rec.Remove(context.Background(), 6)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Code(err))
	assert.Equal(t, "student not registered", err.Error())
	assert.Equal(t, 1, m.Calls())
}

func TestDuplicateRemoveIsRejectedWhileInFlight(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(3, "Linus", true, epoch)
	rec := connected(t, m, adminID)
	ctx := context.Background()

	first := async(func() error { return rec.Remove(ctx, 3) })
	waitPending(t, m, 1)

	err := rec.Remove(ctx, 3)
	require.ErrorIs(t, err, ErrOperationInProgress)
	assert.Equal(t, "operation_in_progress", Code(err))
	assert.Equal(t, 1, m.Calls(), "second call must not reach the store")

	m.Mine()
	require.NoError(t, wait(t, first))
	assert.False(t, rec.Snapshot().Contains(3))
	assert.Empty(t, rec.Snapshot().Operations)
}

func TestCallerGivingUpIsNotAStoreRejection(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)
	ctx, cancel := context.WithCancel(context.Background())

	done := async(func() error { return rec.Register(ctx, 8, "Ada") })
	waitPending(t, m, 1)
	cancel()

	err := wait(t, done)
	require.ErrorIs(t, err, ErrAbandoned)
	assert.NotErrorIs(t, err, ErrStoreRejected)
	assert.Equal(t, "abandoned", Code(err))
	assert.Empty(t, rec.Snapshot().Operations)

	// The submission still settles in the store.
	m.Mine()
	require.NoError(t, rec.ListAll(context.Background()))
	assert.True(t, rec.Snapshot().Contains(8))
}

func TestRemoveUnknownIDIsNotFound(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)

	err := rec.Remove(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, m.Calls())
}

func TestRegisterEmptyName(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := connected(t, m, adminID)

	err := rec.Register(context.Background(), 1, "   ")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, m.Calls())
}

func TestConnectWithoutIdentity(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := newReconciler(m, identity.Static(""))

	err := rec.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)

	v := rec.Snapshot()
	assert.False(t, v.Connected)
	assert.False(t, v.Authorized)
	assert.False(t, v.Connecting)
	assert.Contains(t, v.LastError, ErrConnection.Error())

	err = rec.Register(context.Background(), 1, "Ada")
	require.ErrorIs(t, err, ErrConnection)
	assert.Zero(t, m.Calls())
}

func TestConnectComparesIdentityCaseInsensitively(t *testing.T) {
	m := ledger.NewMemory("0xABCDEF")
	rec := connected(t, m, "0xabcdef")
	assert.True(t, rec.Snapshot().Authorized)
	assert.Equal(t, "0xabcdef", rec.Snapshot().Identity)
}

func TestConnectFallsBackToStaticAdmin(t *testing.T) {
	m := ledger.NewMemory("")
	rec := newReconciler(m, identity.Static("0xadmin"), func(c *Config) { c.StaticAdmin = adminID })

	require.NoError(t, rec.Connect(context.Background()))
	assert.True(t, rec.Snapshot().Authorized)
}

func TestConnectAdminLookupFailure(t *testing.T) {
	s := &failingStore{Memory: ledger.NewMemory(adminID), adminErr: errors.New("rpc unavailable")}
	rec := newReconciler(s, identity.Static(adminID))

	err := rec.Connect(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	v := rec.Snapshot()
	assert.True(t, v.Connected)
	assert.False(t, v.Authorized)
}

func TestIdentityChangeReconnects(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	session := identity.NewSession()
	rec := newReconciler(m, session)
	stop := rec.Watch(context.Background())
	defer stop()

	require.True(t, session.Change(strangerID))
	v := rec.Snapshot()
	assert.True(t, v.Connected)
	assert.False(t, v.Authorized)
	assert.Equal(t, []uint64{1}, ids(v))

	require.True(t, session.Change(adminID))
	assert.True(t, rec.Snapshot().Authorized)

	assert.False(t, session.Change("0xadmin"), "same identity in another case is not a change")
}

func TestFailedReloadKeepsPreviousList(t *testing.T) {
	s := &failingStore{Memory: ledger.NewMemory(adminID)}
	s.Seed(1, "Ada", true, epoch)
	rec := connected(t, s, adminID)
	before := rec.Snapshot().Records
	require.Len(t, before, 1)

	s.failList(errors.New("connection reset"))
	err := rec.ListAll(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)

	v := rec.Snapshot()
	assert.Equal(t, before, v.Records)
	assert.Contains(t, v.LastError, "connection reset")

	s.failList(nil)
	require.NoError(t, rec.ListAll(context.Background()))
	assert.Empty(t, rec.Snapshot().LastError)
}

func TestCommitSucceedsWhenReloadFails(t *testing.T) {
	s := &failingStore{Memory: ledger.NewMemory(adminID)}
	rec := connected(t, s, adminID)

	done := async(func() error { return rec.Register(context.Background(), 2, "Ada") })
	waitPending(t, s.Memory, 1)
	s.failList(errors.New("timeout"))
	s.Mine()

	require.NoError(t, wait(t, done))
	v := rec.Snapshot()
	assert.False(t, v.Contains(2))
	assert.Contains(t, v.LastError, ErrFetchFailed.Error())
	assert.Empty(t, v.Operations)
}

func TestOlderReloadDoesNotOverwriteNewerList(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	s := newGatedStore(m)
	gate := s.gate
	rec := newReconciler(s, identity.Static(strangerID))
	ctx := context.Background()

	older := async(func() error { return rec.ListAll(ctx) })
	<-s.entered

	m.Seed(2, "Grace", true, epoch)
	require.NoError(t, rec.ListAll(ctx))
	assert.Equal(t, []uint64{1, 2}, ids(rec.Snapshot()))

	close(gate)
	require.NoError(t, wait(t, older))
	assert.Equal(t, []uint64{1, 2}, ids(rec.Snapshot()))
}

func TestConfirmTimeout(t *testing.T) {
	m := ledger.NewMemory(adminID)
	rec := newReconciler(m, identity.Static(adminID), func(c *Config) { c.ConfirmTimeout = 20 * time.Millisecond })
	require.NoError(t, rec.Connect(context.Background()))

	err := rec.Register(context.Background(), 1, "Ada")
	require.ErrorIs(t, err, ErrStoreRejected)
	assert.Contains(t, err.Error(), "confirmation timed out")

	v := rec.Snapshot()
	assert.False(t, v.Contains(1))
	assert.Empty(t, v.Operations)
}

func TestSearchFindsRegisteredStudent(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(12, "Barbara", true, epoch)
	rec := newReconciler(m, identity.Static(strangerID))

	got, err := rec.Search(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, model.Record{ID: 12, Name: "Barbara", Registered: true, RegisteredAt: epoch}, got)
	assert.Empty(t, rec.Snapshot().Records, "search does not publish")
}

func TestSubscribersSeeNonDecreasingVersions(t *testing.T) {
	m := ledger.NewMemory(adminID)
	m.Seed(1, "Ada", true, epoch)
	rec := newReconciler(m, identity.Static(adminID))

	var (
		mu       sync.Mutex
		versions []uint64
	)
	cancel := rec.Subscribe(func(v model.View) {
		mu.Lock()
		versions = append(versions, v.Version)
		mu.Unlock()
	})
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.ListAll(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, rec.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.GreaterOrEqual(t, versions[i], versions[i-1])
	}
	assert.Equal(t, rec.Snapshot().Version, versions[len(versions)-1])
}

func TestCodeMapping(t *testing.T) {
	cases := map[string]error{
		"ok":                    nil,
		"connection_error":      ErrConnection,
		"unauthorized":          ErrUnauthorized,
		"not_found":             ErrNotFound,
		"already_exists":        ErrAlreadyExists,
		"operation_in_progress": ErrOperationInProgress,
		"store_rejected":        &RejectedError{Kind: model.KindRemove, ID: 1, Err: ledger.RejectReason("execution reverted")},
		"abandoned":             ErrAbandoned,
		"fetch_failed":          ErrFetchFailed,
		"invalid_input":         ErrInvalidInput,
		"internal":              errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Code(err), "error %v", err)
	}
}
