package principal

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/realtime"
)

var (
	// errors
	ErrNotFound       = errors.New("principal not found")
	ErrEmailExists    = errors.New("a principal with this email already exists")
	ErrUnknownModule  = errors.New("unknown module")
	ErrGrantNotFound  = errors.New("module grant not found")
	ErrGrantForbidden = errors.New("module grants only apply to tenant roles")
	ErrRoleForbidden  = errors.New("cannot assign a role more privileged than your own")
)

type (
	Repository interface {
		CheckEmailUniqueness(ctx context.Context, email string, excluded ...Principal) error
		CreatePrincipal(ctx context.Context, p Principal) (Principal, error)
		QueryPrincipals(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Principal, error)
		GetPrincipalByID(ctx context.Context, id string) (Principal, error)
		GetPrincipalByEmail(ctx context.Context, email string) (Principal, error)
		UpdatePrincipal(ctx context.Context, p Principal) (Principal, error)
		DeletePrincipalsByID(ctx context.Context, ids ...string) (int, error)
		ListModuleGrants(ctx context.Context, principalID string) ([]ModuleGrant, error)
		// GrantModule reports false when the grant already existed.
		GrantModule(ctx context.Context, g ModuleGrant) (ModuleGrant, bool, error)
		// RevokeModule returns the removed grant, or ErrGrantNotFound.
		RevokeModule(ctx context.Context, principalID, module string) (ModuleGrant, error)
	}

	ServiceInterface interface {
		CheckUniqueness(ctx context.Context, email string, excluded ...Principal) error
		Create(ctx context.Context, np NewPrincipal) (Principal, error)
		GetByID(ctx context.Context, id string) (Principal, error)
		GetByEmail(ctx context.Context, email string) (Principal, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Principal, error)
		Update(ctx context.Context, orig Principal, up UpdatePrincipal, actor Principal) (Principal, error)
		Delete(ctx context.Context, ids ...string) (int, error)
		Modules(ctx context.Context, id string) ([]string, error)
		Grant(ctx context.Context, id, module string) (ModuleGrant, error)
		Revoke(ctx context.Context, id, module string) error
	}

	Service struct {
		repo      Repository
		publisher realtime.Publisher
		mailSvc   core.EmailService
		logger    core.Logger
		appName   string
		baseURL   string
	}
)

var _ ServiceInterface = (*Service)(nil)

// NewService creates the principal administration service.
// publisher may be nil when the storage layer emits change notifications itself.
func NewService(repo Repository, publisher realtime.Publisher, mailSvc core.EmailService, logger core.Logger, conf *core.Config) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		mailSvc:   mailSvc,
		logger:    logger,
		appName:   conf.AppName,
		baseURL:   conf.FrontendBaseURL,
	}
}

func (svc *Service) CheckUniqueness(ctx context.Context, email string, excluded ...Principal) error {
	if err := svc.repo.CheckEmailUniqueness(ctx, email, excluded...); err != nil {
		if errors.Cause(err) == ErrEmailExists {
			return core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return errors.Wrap(err, "checking email uniqueness")
	}
	return nil
}

func (svc *Service) Create(ctx context.Context, np NewPrincipal) (Principal, error) {
	now := time.Now().UTC()
	p, err := svc.repo.CreatePrincipal(ctx, Principal{
		Name:          np.Name,
		Email:         np.Email,
		Role:          np.Role,
		ProfileCode:   np.ProfileCode,
		TenantGroupID: np.TenantGroupID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Principal{}, errors.Wrap(err, "creating principal")
	}
	svc.publish(ctx, realtime.TablePrincipals, realtime.OpInsert, NewRecord(p), nil)
	return p, nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (Principal, error) {
	return svc.repo.GetPrincipalByID(ctx, core.CleanString(id))
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (Principal, error) {
	return svc.repo.GetPrincipalByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Principal, error) {
	return svc.repo.QueryPrincipals(ctx, filter, ordering)
}

// Update applies an already validated update to orig, on behalf of actor.
func (svc *Service) Update(ctx context.Context, orig Principal, up UpdatePrincipal, actor Principal) (Principal, error) {
	p := up.Apply(orig)
	if p.Role != orig.Role && p.Role.Priority() > actor.Role.Priority() {
		return Principal{}, core.NewValidationError(ErrRoleForbidden, core.FieldError{Field: "role", Error: ErrRoleForbidden.Error()})
	}
	p.UpdatedAt = time.Now().UTC()

	p, err := svc.repo.UpdatePrincipal(ctx, p)
	if err != nil {
		return Principal{}, errors.Wrap(err, "updating principal")
	}
	svc.publish(ctx, realtime.TablePrincipals, realtime.OpUpdate, NewRecord(p), NewRecord(orig))

	if up.ApplyProfileModules && p.ProfileCode != "" {
		if profile, ok := GetProfile(p.ProfileCode); ok {
			for _, module := range profile.Modules {
				if _, err = svc.Grant(ctx, p.ID, module); err != nil {
					return p, errors.Wrapf(err, "granting profile module %q", module)
				}
			}
		}
	}

	if p.Role.IsTenant() && !orig.IsConfigured() && p.IsConfigured() {
		svc.sendAccountReadyMail(p)
	}
	return p, nil
}

func (svc *Service) Delete(ctx context.Context, ids ...string) (int, error) {
	deleted := make([]Principal, 0, len(ids))
	for _, id := range ids {
		p, err := svc.repo.GetPrincipalByID(ctx, id)
		if err != nil {
			if errors.Cause(err) == ErrNotFound {
				continue
			}
			return 0, errors.Wrap(err, "finding principal by ID")
		}
		deleted = append(deleted, p)
	}

	cnt, err := svc.repo.DeletePrincipalsByID(ctx, ids...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting principals")
	}
	for _, p := range deleted {
		svc.publish(ctx, realtime.TablePrincipals, realtime.OpDelete, nil, NewRecord(p))
	}
	return cnt, nil
}

// Modules lists the module slugs granted to a principal.
func (svc *Service) Modules(ctx context.Context, id string) ([]string, error) {
	grants, err := svc.repo.ListModuleGrants(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "listing module grants")
	}
	slugs := make([]string, 0, len(grants))
	for _, g := range grants {
		slugs = append(slugs, g.Module)
	}
	return slugs, nil
}

func (svc *Service) Grant(ctx context.Context, id, module string) (ModuleGrant, error) {
	module = core.CleanString(module, true /* lower */)
	if !IsModule(module) {
		return ModuleGrant{}, core.NewValidationError(ErrUnknownModule, core.FieldError{Field: "module", Error: ErrUnknownModule.Error()})
	}
	p, err := svc.repo.GetPrincipalByID(ctx, id)
	if err != nil {
		return ModuleGrant{}, err
	}
	if p.Role.IsAdministrative() {
		return ModuleGrant{}, core.NewValidationError(ErrGrantForbidden, core.FieldError{Field: "module", Error: ErrGrantForbidden.Error()})
	}

	g, created, err := svc.repo.GrantModule(ctx, ModuleGrant{PrincipalID: p.ID, Module: module, GrantedAt: time.Now().UTC()})
	if err != nil {
		return ModuleGrant{}, errors.Wrap(err, "granting module")
	}
	if created {
		svc.publish(ctx, realtime.TableModuleGrants, realtime.OpInsert, NewGrantRecord(g), nil)
	}
	return g, nil
}

func (svc *Service) Revoke(ctx context.Context, id, module string) error {
	g, err := svc.repo.RevokeModule(ctx, id, core.CleanString(module, true /* lower */))
	if err != nil {
		if errors.Cause(err) == ErrGrantNotFound {
			return nil
		}
		return errors.Wrap(err, "revoking module")
	}
	svc.publish(ctx, realtime.TableModuleGrants, realtime.OpDelete, nil, NewGrantRecord(g))
	return nil
}

func (svc *Service) publish(ctx context.Context, table string, op realtime.Operation, record, old interface{}) {
	if svc.publisher == nil {
		return
	}
	change, err := realtime.NewChange(table, op, record, old)
	if err == nil {
		err = svc.publisher.Publish(ctx, change)
	}
	if err != nil {
		// listeners fall back to their periodic refresh
		svc.logger.Error(fmt.Sprintf("publishing %s %s change", table, op), errors.Wrap(err, "publishing change"))
	}
}

func (svc *Service) sendAccountReadyMail(p Principal) {
	if svc.mailSvc == nil || p.Email == "" {
		return
	}
	profileName := p.ProfileCode
	if profile, ok := GetProfile(p.ProfileCode); ok {
		profileName = profile.Name
	}
	msg := &core.EmailMessage{
		To:      []mail.Address{{Name: p.Name, Address: p.Email}},
		Subject: "Your account is ready",
		TextContent: fmt.Sprintf(
			"Hi %s,\n\nYour %s account has been configured with the %q profile.\nSign in at %s\n",
			p.Name, svc.appName, profileName, svc.baseURL,
		),
	}
	svc.mailSvc.SendMessages(msg)
}
