package livesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
	"github.com/trezcool/masomo-gate/storage/database/inmem"
	"github.com/trezcool/masomo-gate/tests"
)

const testUnlockDelay = 50 * time.Millisecond

var superAdmin = principal.Principal{ID: "root", Role: principal.RoleSuperAdmin}

type fixture struct {
	db      *inmemdb.DB
	repo    principal.Repository
	svc     *principal.Service
	logger  *testutil.Logger
	feed    *inmemdb.Feed
	manager *Manager
}

// newFixture wires a manager on the in-memory DB. With connected, the manager listens to
// the DB's own feed; otherwise it gets a separate feed that receives nothing unless
// the test publishes on it.
func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()

	db, err := inmemdb.Open()
	require.NoError(t, err)

	f := &fixture{
		db:     db,
		repo:   inmemdb.NewPrincipalRepository(db),
		logger: testutil.NewLogger(),
		feed:   db.Feed(),
	}
	if !connected {
		f.feed = inmemdb.NewFeed()
	}
	f.svc = principal.NewService(f.repo, nil, nil, f.logger, &core.Config{AppName: "Masomo"})

	guard := access.NewGuard(access.NewResolver(access.DefaultPaths(), f.logger))
	f.manager, err = NewManager(f.repo, f.feed, guard, f.logger, Options{
		UnlockDelay:    testUnlockDelay,
		DebounceWindow: 30 * time.Millisecond,
		PollSchedule:   "-",
	})
	require.NoError(t, err)
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) acquire(t *testing.T, id string) (*Session, func()) {
	t.Helper()
	sess, release, err := f.manager.Acquire(context.Background(), id)
	require.NoError(t, err)
	return sess, release
}

func (f *fixture) setProfile(t *testing.T, p principal.Principal, code string) principal.Principal {
	t.Helper()
	p, err := f.svc.Update(context.Background(), p, principal.UpdatePrincipal{ProfileCode: &code}, superAdmin)
	require.NoError(t, err)
	return p
}

func unlockChan(sess *Session) chan string {
	ch := make(chan string, 4)
	sess.OnUnlock(func(target string) { ch <- target })
	return ch
}

func TestSession_unlockOnPush(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()
	unlocked := unlockChan(sess)

	assert.Equal(t, access.Interstitial("/pending-configuration", principal.IssueNoProfile), sess.Decision("/tenant/dashboard"))
	st := sess.Status()
	assert.Equal(t, principal.IssueNoProfile, st.Issue)
	assert.False(t, st.Unlocked)
	assert.True(t, st.Live)
	assert.True(t, sess.status.Subscribed())

	f.setProfile(t, teacher, "enseignant_saisie_notes")

	// the merge is applied before Update returns: no dirty read window
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/dashboard"))
	assert.Equal(t, access.Redirect("/tenant/dashboard"), sess.Decision("/"))
	st = sess.Status()
	assert.Equal(t, principal.IssueNone, st.Issue)
	assert.True(t, st.Unlocked)
	assert.False(t, sess.status.Subscribed(), "own record subscription must be torn down once configured")

	select {
	case target := <-unlocked:
		assert.Equal(t, "/tenant/dashboard", target)
	case <-time.After(time.Second):
		t.Fatal("unlock navigation was not requested")
	}

	// exactly once
	select {
	case <-unlocked:
		t.Fatal("unlock navigation requested twice")
	case <-time.After(5 * testUnlockDelay):
	}
}

func TestSession_unlockIsDelayed(t *testing.T) {
	f := newFixture(t, true)
	parent := testutil.CreatePrincipal(t, f.repo, "Parent", "parent@test.cd", principal.RoleParent, "parent_suivi", "")

	sess, release := f.acquire(t, parent.ID)
	defer release()

	var fired int32
	sess.OnUnlock(func(string) { atomic.AddInt32(&fired, 1) })

	group := "g7"
	_, err := f.svc.Update(context.Background(), parent, principal.UpdatePrincipal{TenantGroupID: &group}, superAdmin)
	require.NoError(t, err)

	assert.True(t, sess.Status().Unlocked)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "navigation must wait for the unlock delay")
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_configurationTakenBack(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()
	unlocked := unlockChan(sess)

	teacher = f.setProfile(t, teacher, "enseignant_consultation")
	teacher = f.setProfile(t, teacher, "") // before the unlock delay elapsed

	assert.Equal(t, principal.IssueNoProfile, sess.Status().Issue)
	assert.False(t, sess.Status().Unlocked)
	assert.True(t, sess.status.Subscribed())

	select {
	case <-unlocked:
		t.Fatal("a cancelled unlock must not navigate")
	case <-time.After(5 * testUnlockDelay):
	}

	f.setProfile(t, teacher, "enseignant_consultation")
	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("unlock navigation was not requested")
	}
}

func TestSession_recheckWithoutFeed(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	f.feed.FailSubscriptions(errors.New("channel error"))
	sess, release := f.acquire(t, teacher.ID)
	defer release()
	unlocked := unlockChan(sess)

	st := sess.Status()
	assert.False(t, st.Live)
	assert.Equal(t, principal.IssueNoProfile, st.Issue)
	assert.NotEmpty(t, f.logger.Entries("warn"))

	f.setProfile(t, teacher, "enseignant_saisie_notes")
	assert.Equal(t, principal.IssueNoProfile, sess.Status().Issue, "nothing is pushed without a feed")

	st, err := sess.RecheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, principal.IssueNone, st.Issue)
	assert.True(t, st.Unlocked)
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/dashboard"))

	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("unlock navigation was not requested")
	}
}

func TestSession_recheckIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()

	f.setProfile(t, teacher, "enseignant_saisie_notes")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.RecheckNow(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	version := sess.Store().Version()
	st1, err := sess.RecheckNow(context.Background())
	require.NoError(t, err)
	st2, err := sess.RecheckNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, st1, st2)
	assert.Equal(t, version, sess.Store().Version(), "rechecking an unchanged record must not mutate the store")
	assert.True(t, st2.Unlocked)
	assert.False(t, st2.IsChecking)
}

func TestSession_recheckFailureKeepsLastKnownState(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failing := &failingDirectory{Directory: f.repo}
	sess.status.dir = failing

	_, err := sess.RecheckNow(ctx)
	assert.Error(t, err)
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/dashboard"))
}

func TestSession_badPushIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()
	version := sess.Store().Version()

	bad := []realtime.Change{
		{Table: realtime.TablePrincipals, Op: realtime.OpUpdate, Record: []byte(`{"id":`)},
		{Table: realtime.TablePrincipals, Op: realtime.OpUpdate, Record: []byte(`{"id":"` + teacher.ID + `","profile_code":42}`)},
		{Table: realtime.TableModuleGrants, Op: realtime.OpInsert, Record: []byte(`{"principal_id":"` + teacher.ID + `"}`)},
	}
	for _, change := range bad {
		require.NoError(t, f.feed.Publish(context.Background(), change))
	}

	assert.Equal(t, version, sess.Store().Version())
	assert.Len(t, f.logger.Entries("warn"), 2) // the truncated record does not match the filter

	// the manual path still works
	f.setProfile(t, teacher, "enseignant_saisie_notes")
	st, err := sess.RecheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, principal.IssueNone, st.Issue)
}

func TestSession_pushedMerge(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()

	// a partial record only touches the columns it carries
	change := realtime.Change{
		Table:  realtime.TablePrincipals,
		Op:     realtime.OpUpdate,
		Record: []byte(`{"id":"` + teacher.ID + `","profile_code":"enseignant_saisie_notes"}`),
	}
	require.NoError(t, f.feed.Publish(context.Background(), change))

	p, ok := sess.Store().Principal()
	require.True(t, ok)
	assert.Equal(t, "enseignant_saisie_notes", p.ProfileCode)
	assert.Equal(t, "g1", p.TenantGroupID)
	assert.Equal(t, "Teacher", p.Name)
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/modules/notes"))
}

func TestSession_resync(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()

	f.setProfile(t, teacher, "enseignant_saisie_notes")
	_, err := f.svc.Grant(context.Background(), teacher.ID, principal.ModuleGrades)
	require.NoError(t, err)
	assert.False(t, sess.Module(principal.ModuleGrades).Allowed)

	f.feed.Resync()

	assert.Eventually(t, func() bool {
		return sess.Status().Issue == principal.IssueNone && sess.Module(principal.ModuleGrades).Allowed
	}, time.Second, 5*time.Millisecond)
}

func TestSession_grantsAreLive(t *testing.T) {
	f := newFixture(t, true)
	accountant := testutil.CreatePrincipal(t, f.repo, "Acc", "acc@test.cd", principal.RoleAccountant, "comptabilite_finances", "g1")
	testutil.GrantModules(t, f.repo, accountant.ID, principal.ModuleClasses)

	sess, release := f.acquire(t, accountant.ID)
	defer release()

	var seen []bool
	unwatch := sess.Watch(func(snap access.Snapshot) {
		seen = append(seen, snap.Grants.Has(principal.ModuleFinances))
	})
	defer unwatch()

	assert.False(t, sess.Module(principal.ModuleFinances).Allowed)
	multi := sess.Modules([]string{principal.ModuleFinances, principal.ModuleClasses}, true)
	assert.False(t, multi.Allowed)
	assert.Equal(t, map[string]bool{principal.ModuleFinances: false, principal.ModuleClasses: true}, multi.PerSlug)

	_, err := f.svc.Grant(context.Background(), accountant.ID, principal.ModuleFinances)
	require.NoError(t, err)

	assert.True(t, sess.Module(principal.ModuleFinances).Allowed)
	assert.True(t, sess.Modules([]string{principal.ModuleFinances, principal.ModuleClasses}, true).Allowed)

	require.NoError(t, f.svc.Revoke(context.Background(), accountant.ID, principal.ModuleFinances))
	assert.False(t, sess.Module(principal.ModuleFinances).Allowed)
	assert.True(t, sess.Module(principal.ModuleClasses).Allowed)

	assert.Equal(t, []bool{true, false}, seen)
}

func TestSession_principalDeleted(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()

	_, err := f.svc.Delete(context.Background(), teacher.ID)
	require.NoError(t, err)

	assert.Equal(t, access.Redirect("/auth/sign-in"), sess.Decision("/tenant/dashboard"))
	assert.Empty(t, sess.Store().Grants())
}

func TestManager_Acquire(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	s1, release1 := f.acquire(t, teacher.ID)
	s2, release2 := f.acquire(t, teacher.ID)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, f.manager.Len())
	assert.Equal(t, 3, f.feed.Len(), "grants, own record and the manager's principal subscriptions")

	release1()
	release1() // releasing twice is a no-op
	assert.Equal(t, 1, f.manager.Len())
	assert.Equal(t, 3, f.feed.Len())

	release2()
	assert.Equal(t, 0, f.manager.Len())
	assert.Equal(t, 0, f.feed.Len(), "subscriptions must not outlive their last holder")

	// a closed session is never handed out again
	s3, release3 := f.acquire(t, teacher.ID)
	defer release3()
	assert.NotSame(t, s1, s3)
}

func TestManager_Acquire_unknownPrincipal(t *testing.T) {
	f := newFixture(t, true)

	_, _, err := f.manager.Acquire(context.Background(), "nope")
	assert.Equal(t, principal.ErrNotFound, errors.Cause(err))
	assert.Equal(t, 0, f.manager.Len())
	assert.Equal(t, 0, f.feed.Len())
}

func TestManager_Acquire_concurrent(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	releases := make([]func(), 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, release, err := f.manager.Acquire(context.Background(), teacher.ID)
			assert.NoError(t, err)
			sessions[i], releases[i] = s, release
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, access.Allow(), sessions[0].Decision("/tenant/dashboard"))

	for _, release := range releases {
		release()
	}
	assert.Equal(t, 0, f.manager.Len())
	assert.Equal(t, 0, f.feed.Len())
}

func TestManager_Refresh(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")
	director := testutil.CreatePrincipal(t, f.repo, "Director", "dir@test.cd", principal.RoleDirector, "direction_complete", "g1")

	s1, release1 := f.acquire(t, teacher.ID)
	defer release1()
	s2, release2 := f.acquire(t, director.ID)
	defer release2()

	f.setProfile(t, teacher, "enseignant_saisie_notes")
	_, err := f.svc.Grant(context.Background(), director.ID, principal.ModuleFinances)
	require.NoError(t, err)

	require.NoError(t, f.manager.Refresh(context.Background()))

	assert.Equal(t, principal.IssueNone, s1.Status().Issue)
	assert.True(t, s2.Module(principal.ModuleFinances).Allowed)
}

func TestNewManager_invalidSchedule(t *testing.T) {
	db, err := inmemdb.Open()
	require.NoError(t, err)
	guard := access.NewGuard(access.NewResolver(access.DefaultPaths(), nil))

	_, err = NewManager(inmemdb.NewPrincipalRepository(db), db.Feed(), guard, testutil.NewLogger(), Options{PollSchedule: "every now and then"})
	assert.Error(t, err)

	m, err := NewManager(inmemdb.NewPrincipalRepository(db), db.Feed(), guard, testutil.NewLogger(), Options{})
	require.NoError(t, err)
	m.Start()
	m.Stop()
}

// writingDirectory runs a write right after the first read of each kind, as if an
// administrator changed the principal while its session was being loaded.
type writingDirectory struct {
	Directory
	afterGet  func(principal.Principal)
	afterList func()

	getOnce, listOnce sync.Once
}

func (d *writingDirectory) GetPrincipalByID(ctx context.Context, id string) (principal.Principal, error) {
	p, err := d.Directory.GetPrincipalByID(ctx, id)
	if err == nil {
		d.getOnce.Do(func() { d.afterGet(p) })
	}
	return p, err
}

func (d *writingDirectory) ListModuleGrants(ctx context.Context, principalID string) ([]principal.ModuleGrant, error) {
	grants, err := d.Directory.ListModuleGrants(ctx, principalID)
	if err == nil {
		d.listOnce.Do(d.afterList)
	}
	return grants, err
}

func TestManager_Acquire_writesDuringLoad(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")

	dir := &writingDirectory{
		Directory: f.repo,
		afterGet: func(p principal.Principal) {
			f.setProfile(t, p, "enseignant_saisie_notes")
		},
		afterList: func() {
			_, err := f.svc.Grant(context.Background(), teacher.ID, principal.ModuleFinances)
			assert.NoError(t, err)
		},
	}
	guard := access.NewGuard(access.NewResolver(access.DefaultPaths(), f.logger))
	manager, err := NewManager(dir, f.feed, guard, f.logger, Options{UnlockDelay: testUnlockDelay, PollSchedule: "-"})
	require.NoError(t, err)
	defer manager.Stop()

	sess, release, err := manager.Acquire(context.Background(), teacher.ID)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, principal.IssueNone, sess.Status().Issue)
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/dashboard"))
	assert.True(t, sess.Module(principal.ModuleFinances).Allowed)
	assert.Equal(t, []string{principal.ModuleFinances}, sess.Store().Grants().Slugs())
}

func TestSession_configuredPrincipalStaysLive(t *testing.T) {
	f := newFixture(t, true)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "enseignant_consultation", "g1")

	sess, release := f.acquire(t, teacher.ID)
	defer release()
	assert.False(t, sess.status.Subscribed())
	assert.Equal(t, access.Allow(), sess.Decision("/tenant/dashboard"))

	teacher = f.setProfile(t, teacher, "")
	assert.Equal(t, access.Interstitial("/pending-configuration", principal.IssueNoProfile), sess.Decision("/tenant/dashboard"))
	assert.True(t, sess.status.Subscribed(), "a blocked principal follows its own record again")

	director := testutil.CreatePrincipal(t, f.repo, "Director", "dir@test.cd", principal.RoleDirector, "direction_complete", "g1")
	s2, release2 := f.acquire(t, director.ID)
	defer release2()

	_, err := f.svc.Delete(context.Background(), director.ID)
	require.NoError(t, err)
	assert.Equal(t, access.Redirect("/auth/sign-in"), s2.Decision("/tenant/dashboard"))
}

// blockingDirectory holds every read until release is closed.
type blockingDirectory struct {
	Directory
	release chan struct{}
}

func (d *blockingDirectory) GetPrincipalByID(ctx context.Context, id string) (principal.Principal, error) {
	<-d.release
	return d.Directory.GetPrincipalByID(ctx, id)
}

func (d *blockingDirectory) ListModuleGrants(ctx context.Context, principalID string) ([]principal.ModuleGrant, error) {
	<-d.release
	return d.Directory.ListModuleGrants(ctx, principalID)
}

func TestSession_resyncDoesNotBlockTheFeed(t *testing.T) {
	f := newFixture(t, false)
	teacher := testutil.CreatePrincipal(t, f.repo, "Teacher", "teacher@test.cd", principal.RoleTeacher, "", "g1")
	director := testutil.CreatePrincipal(t, f.repo, "Director", "dir@test.cd", principal.RoleDirector, "direction_complete", "g1")

	s1, release1 := f.acquire(t, teacher.ID)
	defer release1()
	s2, release2 := f.acquire(t, director.ID)
	defer release2()

	blocking := &blockingDirectory{Directory: f.repo, release: make(chan struct{})}
	for _, s := range []*Session{s1, s2} {
		s.status.dir = blocking
		s.grants.dir = blocking
	}
	f.setProfile(t, teacher, "enseignant_saisie_notes")
	_, err := f.svc.Grant(context.Background(), director.ID, principal.ModuleFinances)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.feed.Resync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resync must not wait for the refetches")
	}

	close(blocking.release)
	assert.Eventually(t, func() bool {
		return s1.Status().Issue == principal.IssueNone && s2.Module(principal.ModuleFinances).Allowed
	}, time.Second, 5*time.Millisecond)
}

type failingDirectory struct {
	Directory
}

func (d *failingDirectory) GetPrincipalByID(ctx context.Context, _ string) (principal.Principal, error) {
	return principal.Principal{}, ctx.Err()
}
