package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digma-core-go/internal/apierrors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Fixed service account used for silent login against local deployments.
const (
	localLoginUser     = "admin@digma.ai"
	localLoginPassword = "admin"
)

// accountState is the serialized mutation surface the handlers operate on.
// Every method is invoked with the account mutex already held by AuthManager,
// so a handler's check-then-act sequence is atomic with respect to other
// callers.
type accountState interface {
	Current() *Account
	FindCredentials(ctx context.Context) (*Credentials, error)
	ReplaceAccount(ctx context.Context, acc *Account, creds *Credentials) error
	UpdateCredentials(ctx context.Context, creds *Credentials) error
	DeleteCurrent(ctx context.Context) error
}

// LoginHandler encapsulates the login-or-refresh policy for one backend
// deployment mode. Implementations: NoOpLoginHandler, CentralizedLoginHandler,
// LocalLoginHandler. The set is closed.
type LoginHandler interface {
	// LoginOrRefresh brings the process into a state where outbound calls can
	// be authenticated. onAuthError marks that the caller just observed an
	// authentication failure, which widens the refresh policy.
	LoginOrRefresh(ctx context.Context, onAuthError bool) error
}

// NoOpLoginHandler is selected when the deployment mode could not be
// determined (typically: backend unreachable during handler construction).
// It always fails with the construction error and never mutates state,
// preventing cascading failures from an unknown deployment.
type NoOpLoginHandler struct {
	Reason error
}

func (h *NoOpLoginHandler) LoginOrRefresh(context.Context, bool) error {
	if h.Reason != nil {
		return fmt.Errorf("login handler unavailable: %w", h.Reason)
	}
	return errors.New("login handler unavailable")
}

// CentralizedLoginHandler serves deployments using one shared static API
// token. There is no Account/Credentials cycle; the only mutation it performs
// is deleting an account left over from a previous non-centralized session.
type CentralizedLoginHandler struct {
	state accountState
}

func (h *CentralizedLoginHandler) LoginOrRefresh(ctx context.Context, _ bool) error {
	if acc := h.state.Current(); acc != nil {
		log.WithField("account_id", acc.ID).Info("centralized deployment, deleting lingering account")
		return h.state.DeleteCurrent(ctx)
	}
	return nil
}

// LocalLoginHandler serves per-installation deployments using a fixed service
// account. It silently re-logs-in when no usable account exists and refreshes
// otherwise.
type LocalLoginHandler struct {
	state accountState
	api   *AuthAPIClient

	// refreshGuard bounds the forced refresh on onAuthError: if the stored
	// credentials were issued within this window, a concurrent caller has
	// already refreshed them and this call is a no-op. The 30s default is a
	// heuristic upper bound on cross-goroutine contention delay, not a
	// correctness requirement.
	refreshGuard time.Duration
	now          func() time.Time
}

func (h *LocalLoginHandler) LoginOrRefresh(ctx context.Context, onAuthError bool) error {
	acc := h.state.Current()
	if acc == nil {
		log.Debug("no account, performing silent login")
		return h.silentLogin(ctx)
	}
	if acc.ServerURL != h.api.BaseURL() {
		log.WithFields(log.Fields{
			"account_url": acc.ServerURL,
			"backend_url": h.api.BaseURL(),
		}).Info("backend URL changed, performing silent login")
		return h.silentLogin(ctx)
	}

	creds, err := h.state.FindCredentials(ctx)
	if err != nil {
		if errors.Is(err, apierrors.ErrCredentialsNotFound) {
			log.WithField("account_id", acc.ID).Info("credentials missing or corrupt, performing silent login")
			return h.silentLogin(ctx)
		}
		return err
	}

	now := h.now()
	if !creds.Valid(now) {
		log.WithField("account_id", acc.ID).Debug("access token expired, refreshing")
		return h.refresh(ctx, creds)
	}
	if onAuthError && creds.Age(now) > h.refreshGuard {
		// The token looked valid here but was rejected out there. Refresh it
		// anyway; if it was refreshed less than refreshGuard ago another
		// caller already won the race and we are done.
		log.WithField("account_id", acc.ID).Debug("token rejected remotely despite local validity, refreshing")
		return h.refresh(ctx, creds)
	}
	return nil
}

func (h *LocalLoginHandler) refresh(ctx context.Context, creds *Credentials) error {
	fresh, err := h.api.RefreshToken(ctx, creds.AccessToken, creds.RefreshToken)
	if err != nil {
		if apierrors.IsAuthentication(err) {
			// Refresh token itself rejected: the session is gone, start over.
			log.WithError(err).Info("refresh token rejected, performing silent login")
			return h.silentLogin(ctx)
		}
		return err
	}
	return h.state.UpdateCredentials(ctx, fresh)
}

func (h *LocalLoginHandler) silentLogin(ctx context.Context) error {
	result, err := h.api.Login(ctx, localLoginUser, localLoginPassword)
	if err != nil {
		return err
	}
	acc := &Account{
		ID:        uuid.New().String(),
		Name:      localLoginUser,
		ServerURL: h.api.BaseURL(),
		UserID:    result.UserID,
		CreatedAt: h.now(),
	}
	return h.state.ReplaceAccount(ctx, acc, result.Credentials)
}
