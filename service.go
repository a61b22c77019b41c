package credledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/credledger/identity"
	internalaudit "github.com/MrEthical07/credledger/internal/audit"
	"github.com/MrEthical07/credledger/internal/flows"
	"github.com/MrEthical07/credledger/jwt"
	"github.com/MrEthical07/credledger/password"
	"github.com/MrEthical07/credledger/refresh"
	"github.com/MrEthical07/credledger/reset"
)

// Service composes the password hasher, access token manager and the two
// ledgers into the credential lifecycle operations.
type Service struct {
	config     Config
	identities identity.Store
	hasher     *password.PBKDF2
	tokens     *jwt.Manager
	refreshes  *refresh.Ledger
	resets     *reset.Ledger
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
	flows      flows.Deps
}

// Close flushes buffered audit events and closes the audit sink when it
// implements io.Closer. Stores are owned by the caller.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.audit.Close()
}

// AuditDropped reports how many audit events were discarded.
func (s *Service) AuditDropped() uint64 {
	if s == nil {
		return 0
	}
	return s.audit.Dropped()
}

// MetricsSnapshot returns a copy of the in-process counters.
func (s *Service) MetricsSnapshot() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

// Register creates an identity and logs it in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (TokenPair, error) {
	if s == nil {
		return TokenPair{}, ErrServiceNotReady
	}

	result := flows.RunRegister(ctx, flows.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		TenantID: req.TenantID,
		Roles:    req.Roles,
	}, s.flows.Register)

	if result.Failure != flows.RegisterFailureNone {
		var err error
		switch result.Failure {
		case flows.RegisterFailureInvalid:
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, result.Err)
		case flows.RegisterFailurePasswordPolicy:
			err = ErrPasswordPolicy
		case flows.RegisterFailureConflict:
			err = ErrConflict
			s.metrics.Inc(MetricRegisterConflict)
		case flows.RegisterFailureStore:
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		default:
			err = result.Err
		}
		s.emitAudit(ctx, auditEventRegisterFailure, false, "", req.TenantID, "", err, nil)
		return TokenPair{}, err
	}

	pair, tokenID, err := s.issuePair(ctx, result.Identity)
	if err != nil {
		return TokenPair{}, err
	}

	s.metrics.Inc(MetricRegisterSuccess)
	s.emitAudit(ctx, auditEventRegisterSuccess, true, result.Identity.ID, result.Identity.TenantID, tokenID, nil, nil)
	return pair, nil
}

// Login verifies usernameOrEmail and password and issues a TokenPair.
// Unknown logins and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, usernameOrEmail, password string) (TokenPair, error) {
	if s == nil {
		return TokenPair{}, ErrServiceNotReady
	}

	result := flows.RunLogin(ctx, usernameOrEmail, password, s.flows.Login)
	switch result.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureRateLimited:
		s.metrics.Inc(MetricLoginRateLimited)
		s.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", "", ErrLoginRateLimited, nil)
		return TokenPair{}, ErrLoginRateLimited
	case flows.LoginFailureLimiterUnavailable, flows.LoginFailureStore:
		err := fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		s.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", err, nil)
		return TokenPair{}, err
	default:
		s.metrics.Inc(MetricLoginFailure)
		s.emitAudit(ctx, auditEventLoginFailure, false, result.Identity.ID, result.Identity.TenantID, "",
			ErrInvalidCredentials, reasonMetadata(loginFailureReason(result.Failure)))
		return TokenPair{}, ErrInvalidCredentials
	}

	if result.Rehashed {
		s.metrics.Inc(MetricPasswordRehashed)
	}

	pair, tokenID, err := s.issuePair(ctx, result.Identity)
	if err != nil {
		return TokenPair{}, err
	}

	s.metrics.Inc(MetricLoginSuccess)
	s.emitAudit(ctx, auditEventLoginSuccess, true, result.Identity.ID, result.Identity.TenantID, tokenID, nil, nil)
	return pair, nil
}

func loginFailureReason(kind flows.LoginFailureKind) string {
	switch kind {
	case flows.LoginFailureUnknownIdentity:
		return "unknown_identity"
	case flows.LoginFailureBadPassword:
		return "bad_password"
	default:
		return "empty_input"
	}
}

// Refresh rotates refreshToken and returns the successor pair. Every
// rejection wraps ErrUnauthorized. Presenting an already rotated token
// revokes its whole chain and additionally wraps ErrTokenReuseDetected.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if s == nil {
		return TokenPair{}, ErrServiceNotReady
	}

	result := flows.RunRefresh(ctx, refreshToken, s.flows.Refresh)
	prev := result.Rotation.Previous

	if result.Failure != flows.RefreshFailureNone {
		var err error
		switch result.Failure {
		case flows.RefreshFailureInvalid:
			err = fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenMalformed)
		case flows.RefreshFailureRevoked:
			err = fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenRevoked)
		case flows.RefreshFailureExpired:
			s.metrics.Inc(MetricRefreshExpired)
			err = fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenExpired)
		case flows.RefreshFailureReuse:
			s.metrics.Inc(MetricRefreshReuseDetected)
			s.logger.Warn("credledger: refresh token reuse detected, chain revoked",
				"identity_id", prev.IdentityID, "token_id", prev.ID)
			s.emitAudit(ctx, auditEventRefreshReuseDetected, false, prev.IdentityID, "", prev.ID,
				ErrTokenReuseDetected, nil)
			s.metrics.Inc(MetricRefreshFailure)
			return TokenPair{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenReuseDetected)
		case flows.RefreshFailureIdentityGone:
			err = ErrUnauthorized
		case flows.RefreshFailureStore:
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		default:
			err = fmt.Errorf("credledger: refresh: %w", result.Err)
		}
		s.metrics.Inc(MetricRefreshFailure)
		s.emitAudit(ctx, auditEventRefreshInvalid, false, prev.IdentityID, "", prev.ID, err, nil)
		return TokenPair{}, err
	}

	rotation := result.Rotation
	s.metrics.Inc(MetricRefreshSuccess)
	s.emitAudit(ctx, auditEventRefreshSuccess, true, rotation.Next.IdentityID, "", rotation.Next.ID, nil, func() map[string]string {
		return map[string]string{"previous_token_id": prev.ID}
	})

	return TokenPair{
		AccessToken:      rotation.Access.Token,
		AccessExpiresAt:  rotation.Access.ExpiresAt,
		RefreshToken:     rotation.Next.Secret,
		RefreshExpiresAt: rotation.Next.ExpiresAt,
	}, nil
}

// Logout revokes refreshToken. It is idempotent and unknown tokens are not
// an error. Access tokens already issued stay valid until they expire.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	result := flows.RunLogout(ctx, refreshToken, s.flows.Logout)
	if result.Err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
	}
	if result.Revoked {
		s.metrics.Inc(MetricLogout)
		s.emitAudit(ctx, auditEventLogout, true, result.Record.IdentityID, "", result.Record.ID, nil, nil)
	}
	return nil
}

// LogoutAll revokes every outstanding refresh token of identityID.
func (s *Service) LogoutAll(ctx context.Context, identityID string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	n, err := flows.RunLogoutAll(ctx, identityID, s.flows.Logout)
	if err != nil {
		if identityID == "" {
			return ErrInvalidRequest
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Inc(MetricLogoutAll)
	s.emitAudit(ctx, auditEventLogoutAll, true, identityID, "", "", nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return nil
}

// Authenticate resolves a bearer access token, raw or prefixed with
// "Bearer ", to its claims.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Claims, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	claims, err := flows.RunAuthenticate(bearer, s.flows.Authenticate)
	if err != nil {
		s.metrics.Inc(MetricAuthenticateFailure)
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

func (s *Service) observeAuthenticate(d time.Duration) {
	s.metrics.Observe(MetricAuthenticateLatency, d)
}

// ChangePassword replaces the password of identityID after checking the
// current one, then revokes the identity's refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	result := flows.RunChangePassword(ctx, identityID, oldPassword, newPassword, s.flows.Password)
	if result.Failure != flows.PasswordChangeFailureNone {
		var err error
		switch result.Failure {
		case flows.PasswordChangeFailurePolicy:
			err = ErrPasswordPolicy
		case flows.PasswordChangeFailureReuse:
			err = ErrPasswordReuse
		case flows.PasswordChangeFailureUnknownIdentity, flows.PasswordChangeFailureBadPassword:
			err = ErrInvalidCredentials
		case flows.PasswordChangeFailureStore:
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		default:
			err = result.Err
		}
		s.metrics.Inc(MetricPasswordChangeFailure)
		s.emitAudit(ctx, auditEventPasswordChange, false, identityID, result.Identity.TenantID, "", err, nil)
		return err
	}

	s.metrics.Inc(MetricPasswordChangeSuccess)
	s.emitAudit(ctx, auditEventPasswordChange, true, identityID, result.Identity.TenantID, "", nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(result.Revoked)}
	})
	return nil
}

// RequestPasswordReset issues a reset token for usernameOrEmail and
// returns its secret for delivery over a separate channel. An unknown
// login returns ("", nil), indistinguishable to the caller from success.
func (s *Service) RequestPasswordReset(ctx context.Context, usernameOrEmail string) (string, error) {
	if s == nil {
		return "", ErrServiceNotReady
	}

	result := flows.RunRequestPasswordReset(ctx, usernameOrEmail, s.flows.Reset)
	switch result.Failure {
	case flows.ResetFailureNone:
	case flows.ResetFailureUnknownIdentity:
		s.emitAudit(ctx, auditEventPasswordResetRequest, false, "", "", "", nil, reasonMetadata("unknown_identity"))
		return "", nil
	case flows.ResetFailureDisabled:
		return "", ErrPasswordResetDenied
	case flows.ResetFailureRateLimited:
		s.emitAudit(ctx, auditEventPasswordResetRequest, false, "", "", "", ErrResetRateLimited, nil)
		return "", ErrResetRateLimited
	default:
		err := fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		s.emitAudit(ctx, auditEventPasswordResetRequest, false, result.IdentityID, result.TenantID, "", err, nil)
		return "", err
	}

	s.metrics.Inc(MetricPasswordResetRequest)
	s.emitAudit(ctx, auditEventPasswordResetRequest, true, result.IdentityID, result.TenantID, result.Token.ID, nil, nil)
	return result.Token.Secret, nil
}

// ConfirmPasswordReset redeems secret and sets newPassword. A token is
// redeemed at most once; on success all refresh tokens of the identity are
// revoked.
func (s *Service) ConfirmPasswordReset(ctx context.Context, secret, newPassword string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	result := flows.RunConfirmPasswordReset(ctx, secret, newPassword, s.flows.Reset)
	if result.Failure != flows.ResetFailureNone {
		var err error
		switch result.Failure {
		case flows.ResetFailureDisabled:
			err = ErrPasswordResetDenied
		case flows.ResetFailurePasswordPolicy:
			err = ErrPasswordPolicy
		case flows.ResetFailureInvalid:
			err = ErrResetInvalid
		case flows.ResetFailureAlreadyRedeemed:
			err = ErrAlreadyRedeemed
		case flows.ResetFailureExpired:
			err = ErrTokenExpired
		case flows.ResetFailureApply:
			if errors.Is(result.Err, identity.ErrNotFound) {
				err = ErrResetInvalid
			} else {
				err = fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
			}
		case flows.ResetFailureStore:
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Err)
		default:
			err = result.Err
		}
		s.metrics.Inc(MetricPasswordResetConfirmFailure)
		s.emitAudit(ctx, auditEventPasswordResetConfirm, false, result.Record.IdentityID, "", result.Record.ID, err, nil)
		return err
	}

	s.metrics.Inc(MetricPasswordResetConfirmSuccess)
	s.emitAudit(ctx, auditEventPasswordResetConfirm, true, result.Record.IdentityID, "", result.Record.ID, nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(result.Revoked)}
	})
	return nil
}

func (s *Service) onResetReleaseFailure(rec reset.Record, err error) {
	s.metrics.Inc(MetricPasswordResetReleaseFailure)
	s.logger.Error("credledger: reset token stays consumed after failed password write",
		"identity_id", rec.IdentityID, "token_id", rec.ID, "error", err)
	s.emitAudit(context.Background(), auditEventPasswordResetRelease, false, rec.IdentityID, "", rec.ID, err, nil)
}

// PruneExpired removes expired ledger records. It never changes which
// tokens are accepted.
func (s *Service) PruneExpired(ctx context.Context) (PruneReport, error) {
	if s == nil {
		return PruneReport{}, ErrServiceNotReady
	}

	var report PruneReport
	n, err := s.refreshes.PruneExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	report.Refresh = n

	n, err = s.resets.PruneExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	report.Reset = n

	s.metrics.Add(MetricPrunedRecords, uint64(report.Refresh+report.Reset))
	return report, nil
}

func (s *Service) issuePair(ctx context.Context, ident identity.Identity) (TokenPair, string, error) {
	access, err := s.tokens.Issue(subjectOf(ident), nil)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("credledger: issue access token: %w", err)
	}

	rt, err := s.refreshes.Issue(ctx, ident.ID)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     rt.Secret,
		RefreshExpiresAt: rt.ExpiresAt,
	}, rt.ID, nil
}

// mintAccess is the refresh ledger's MintFunc. It re-reads the identity so
// rotated access tokens carry current roles.
func (s *Service) mintAccess(ctx context.Context, identityID string) (jwt.AccessToken, error) {
	ident, _, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return jwt.AccessToken{}, err
	}
	return s.tokens.Issue(subjectOf(ident), nil)
}

func subjectOf(ident identity.Identity) jwt.Subject {
	return jwt.Subject{
		ID:       ident.ID,
		Username: ident.Username,
		TenantID: ident.TenantID,
		Roles:    ident.Roles,
	}
}
