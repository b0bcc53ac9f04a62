// Package access decides where a principal may go: the admin area, the tenant workspace,
// the pending-configuration interstitial or one of the module workspaces.
package access

import (
	"github.com/trezcool/masomo-gate/core/principal"
)

type AuthStatus int

const (
	AuthUnauthenticated AuthStatus = iota
	AuthLoading
	AuthAuthenticated
)

func (s AuthStatus) String() string {
	switch s {
	case AuthLoading:
		return "loading"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Session is what the resolver knows about the current visitor.
// Principal may be nil while the session is loading.
type Session struct {
	Status    AuthStatus
	Principal *principal.Principal
}

func Unauthenticated() Session { return Session{Status: AuthUnauthenticated} }
func Loading() Session         { return Session{Status: AuthLoading} }

func Authenticated(p principal.Principal) Session {
	return Session{Status: AuthAuthenticated, Principal: &p}
}

type Kind string

const (
	KindAllow        Kind = "allow"
	KindRedirect     Kind = "redirect"
	KindInterstitial Kind = "interstitial"
)

// Decision is the routing verdict for one (session, path) pair.
// Target is the redirect location, or the interstitial page to render.
type Decision struct {
	Kind   Kind                         `json:"kind"`
	Target string                       `json:"target,omitempty"`
	Issue  principal.ConfigurationIssue `json:"issue,omitempty"`
}

func Allow() Decision { return Decision{Kind: KindAllow} }

func Redirect(target string) Decision {
	return Decision{Kind: KindRedirect, Target: target}
}

func Interstitial(target string, issue principal.ConfigurationIssue) Decision {
	return Decision{Kind: KindInterstitial, Target: target, Issue: issue}
}

func (d Decision) IsAllow() bool        { return d.Kind == KindAllow }
func (d Decision) IsRedirect() bool     { return d.Kind == KindRedirect }
func (d Decision) IsInterstitial() bool { return d.Kind == KindInterstitial }

// State is the coarse position of a session in the access state machine.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateLoading         State = "loading"
	StateAdminHome       State = "admin_home"
	StateTenantHome      State = "tenant_home"
	StateTenantPending   State = "tenant_pending"
)
