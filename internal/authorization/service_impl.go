package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads persisted policies from casbin_rule and seeds the
// built-in role grants on top of them.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("casbin adapter: %w", err)
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, req Request) error {
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if !knownRole(role) {
		return ErrInvalidRole
	}
	companyID, err := snowflake.ParseString(strings.TrimSpace(req.CompanyID))
	if err != nil || companyID == 0 {
		return ErrForbidden
	}

	subject := "operator:" + actorID
	domain := "company:" + companyID.String()
	if err := s.ensureGrouping(subject, "role:"+role, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, req.Object, req.Action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor_id", actorID),
			zap.String("role", role),
			zap.String("action", req.Action),
		)
		s.auditDenied(ctx, companyID, actorID, role, req)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping binds the subject to exactly one role per company.
func (s *ServiceImpl) ensureGrouping(subject, roleName, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) >= 3 && rule[1] != roleName {
			if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1], rule[2]); err != nil {
				return err
			}
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil || has {
		return err
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, companyID snowflake.ID, actorID, role string, req Request) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		CompanyID:  companyID,
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    actorID,
		Action:     auditdomain.ActionAuthorizationDenied,
		TargetType: req.Object,
		TargetID:   companyID.String(),
		Metadata: map[string]any{
			"action": req.Action,
			"role":   role,
		},
	}); err != nil {
		s.log.Warn("failed to record denied authorization", zap.Error(err))
	}
}

func knownRole(role string) bool {
	switch role {
	case RoleOperator, RoleFinance, RoleSupport:
		return true
	}
	return false
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:operator", ObjectWallet, ActionWalletRefund},
		{"role:operator", ObjectWallet, ActionWalletAdjust},
		{"role:operator", ObjectWallet, ActionWalletReconcile},
		{"role:operator", ObjectWallet, ActionWalletArchive},

		{"role:finance", ObjectWallet, ActionWalletRefund},
		{"role:finance", ObjectWallet, ActionWalletAdjust},
		{"role:finance", ObjectWallet, ActionWalletReconcile},

		{"role:support", ObjectWallet, ActionWalletReconcile},
	}
	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy[0], policy[1], policy[2])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}
	return nil
}
