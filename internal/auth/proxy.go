package auth

import (
	"context"

	"digma-core-go/internal/apierrors"
	"digma-core-go/internal/models"
)

// AnalyticsClient is the backend analytics API surface the core calls. The
// set of methods is finite and known at compile time, which is what lets the
// re-authenticating wrapper enumerate them explicitly instead of relying on
// reflection.
type AnalyticsClient interface {
	SendFileDiscovery(ctx context.Context, info *models.FileDiscoveryInfo) error
	GetInsights(ctx context.Context, codeObjectIDs []string) ([]models.Insight, error)
	GetEnvironments(ctx context.Context) ([]string, error)
}

// reauthClient decorates an AnalyticsClient: every call is forwarded as-is;
// on an authentication failure it performs one LoginOrRefresh(onAuthError)
// and retries the call exactly once. A second authentication failure
// propagates to the caller.
type reauthClient struct {
	inner AnalyticsClient
	mgr   *AuthManager
}

func newReauthClient(inner AnalyticsClient, mgr *AuthManager) *reauthClient {
	return &reauthClient{inner: inner, mgr: mgr}
}

func retryAuth[T any](ctx context.Context, mgr *AuthManager, call func(context.Context) (T, error)) (T, error) {
	out, err := call(ctx)
	if err == nil || !apierrors.IsAuthentication(err) {
		return out, err
	}
	if !mgr.LoginOrRefresh(ctx, true) {
		return out, err
	}
	return call(ctx)
}

func (c *reauthClient) SendFileDiscovery(ctx context.Context, info *models.FileDiscoveryInfo) error {
	_, err := retryAuth(ctx, c.mgr, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.SendFileDiscovery(ctx, info)
	})
	return err
}

func (c *reauthClient) GetInsights(ctx context.Context, codeObjectIDs []string) ([]models.Insight, error) {
	return retryAuth(ctx, c.mgr, func(ctx context.Context) ([]models.Insight, error) {
		return c.inner.GetInsights(ctx, codeObjectIDs)
	})
}

func (c *reauthClient) GetEnvironments(ctx context.Context) ([]string, error) {
	return retryAuth(ctx, c.mgr, func(ctx context.Context) ([]string, error) {
		return c.inner.GetEnvironments(ctx)
	})
}
