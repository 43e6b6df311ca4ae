package restapi

import (
	"context"
	"strings"
)

// OwnerLookup resolves resource owners. *Client implements it.
type OwnerLookup interface {
	GetBot(ctx context.Context, botID string) (*Owner, error)
	GetIndicator(ctx context.Context, indicatorID string) (*Owner, error)
	GetBotSession(ctx context.Context, botID, sessionID string) (*Owner, error)
	GetExchangeAccount(ctx context.Context, accountID string) (*Owner, error)
}

// Authorizer decides whether a user owns the entity behind a private room.
type Authorizer struct {
	lookup OwnerLookup
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(lookup OwnerLookup) *Authorizer {
	return &Authorizer{lookup: lookup}
}

// Authorize reports whether userID owns entity in category. Categories
// without an ownership rule are always denied.
func (a *Authorizer) Authorize(ctx context.Context, userID, category, entity string) (bool, error) {
	var (
		owner *Owner
		err   error
	)
	switch category {
	case "EXCHANGE_ACCOUNT_DATA":
		owner, err = a.lookup.GetExchangeAccount(ctx, entity)
	case "STRATEGY_BUILDER":
		owner, err = a.lookup.GetBot(ctx, entity)
	case "INDICATOR_BUILDER":
		owner, err = a.lookup.GetIndicator(ctx, entity)
	case "BACKTEST_SESSION":
		botID, sessionID, ok := strings.Cut(entity, ",")
		if !ok || botID == "" || sessionID == "" {
			return false, nil
		}
		owner, err = a.lookup.GetBotSession(ctx, botID, sessionID)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner != nil && owner.UserID != "" && string(owner.UserID) == userID, nil
}
