package access

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-gate/core/principal"
)

func strPtr(s string) *string { return &s }

func TestStore_MergePrincipal(t *testing.T) {
	store := NewStore()

	_, err := store.MergePrincipal(principal.Patch{ProfileCode: strPtr("x")})
	assert.Equal(t, ErrNoPrincipal, err)

	store.SetPrincipal(principal.Principal{ID: "p1", Role: principal.RoleTeacher, TenantGroupID: "g1"})

	_, err = store.MergePrincipal(principal.Patch{ID: "p2", ProfileCode: strPtr("x")})
	assert.Equal(t, ErrPrincipalMismatch, err)

	changed, err := store.MergePrincipal(principal.Patch{ID: "p1", ProfileCode: strPtr("enseignant_saisie_notes")})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MergePrincipal(principal.Patch{ID: "p1", ProfileCode: strPtr("enseignant_saisie_notes")})
	require.NoError(t, err)
	assert.False(t, changed)

	p, ok := store.Principal()
	require.True(t, ok)
	assert.Equal(t, "enseignant_saisie_notes", p.ProfileCode)
	assert.Equal(t, "g1", p.TenantGroupID)
	assert.True(t, p.IsConfigured())
}

func TestStore_snapshotsAreCopies(t *testing.T) {
	store := NewStore()
	store.SetPrincipal(principal.Principal{ID: "p1", Role: principal.RoleTeacher})
	store.SetGrants("classes")

	snap := store.Snapshot()
	snap.Session.Principal.Role = principal.RoleSuperAdmin
	snap.Grants["finances"] = struct{}{}

	p, _ := store.Principal()
	assert.Equal(t, principal.RoleTeacher, p.Role)
	assert.False(t, store.HasGrant("finances"))
}

func TestStore_Watch(t *testing.T) {
	store := NewStore()
	resolver := NewResolver(DefaultPaths(), nil)

	var (
		decisions []Decision
		versions  []uint64
	)
	unwatch := store.Watch(func(snap Snapshot) {
		// the snapshot always carries the state written by the mutation that triggered it
		decisions = append(decisions, resolver.Resolve(snap.Session, "/tenant/dashboard"))
		versions = append(versions, snap.Version)
	})

	store.SetPrincipal(principal.Principal{ID: "p1", Role: principal.RoleTeacher, TenantGroupID: "g1"})
	_, _ = store.MergePrincipal(principal.Patch{ProfileCode: strPtr("enseignant_saisie_notes")})
	_, _ = store.MergePrincipal(principal.Patch{ProfileCode: strPtr("enseignant_saisie_notes")}) // no-op
	store.SetGrants()                                                                            // no-op
	store.ApplyGrant("notes", true)

	assert.Equal(t, []Decision{
		Interstitial("/pending-configuration", principal.IssueNoProfile),
		Allow(),
		Allow(),
	}, decisions)
	assert.Equal(t, []uint64{1, 2, 3}, versions)

	unwatch()
	unwatch()
	store.Clear()
	assert.Len(t, decisions, 3)
	assert.Equal(t, Unauthenticated(), store.Session())
	assert.Empty(t, store.Grants())
}

func TestStore_Watch_order(t *testing.T) {
	store := NewStore()

	var calls []int
	for i := 1; i <= 3; i++ {
		i := i
		store.Watch(func(Snapshot) { calls = append(calls, i) })
	}
	store.ApplyGrant("classes", true)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestStore_ApplyGrant(t *testing.T) {
	store := NewStore()
	store.SetGrants("classes", "notes")

	tests := []struct {
		name    string
		slug    string
		granted bool
		changed bool
		want    []string
	}{
		{name: "add", slug: "finances", granted: true, changed: true, want: []string{"classes", "finances", "notes"}},
		{name: "add existing", slug: "finances", granted: true, changed: false, want: []string{"classes", "finances", "notes"}},
		{name: "remove", slug: "classes", granted: false, changed: true, want: []string{"finances", "notes"}},
		{name: "remove missing", slug: "classes", granted: false, changed: false, want: []string{"finances", "notes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.changed, store.ApplyGrant(tt.slug, tt.granted))
			assert.Equal(t, tt.want, store.Grants().Slugs())
		})
	}
}

func TestStore_concurrentMutations(t *testing.T) {
	store := NewStore()
	store.SetPrincipal(principal.Principal{ID: "p1", Role: principal.RoleTeacher})

	var (
		mu   sync.Mutex
		last uint64
		ok   = true
	)
	store.Watch(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if snap.Version <= last {
			ok = false
		}
		last = snap.Version
	})

	var wg sync.WaitGroup
	for _, slug := range principal.Modules {
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			store.ApplyGrant(slug, true)
		}(slug.Slug)
	}
	wg.Wait()

	assert.True(t, ok, "notifications must be delivered in version order")
	assert.Len(t, store.Grants(), len(principal.Modules))
}
