package gateway

import (
	"context"
	"fmt"
)

// Authorizer decides whether a user owns the entity behind a private room.
type Authorizer interface {
	Authorize(ctx context.Context, userID, category, entity string) (bool, error)
}

// privateCategories have an ownership rule. Any other 3-part key is denied.
var privateCategories = map[string]struct{}{
	CategoryExchangeAccountData: {},
	CategoryStrategyBuilder:     {},
	CategoryIndicatorBuilder:    {},
	CategoryBacktestSession:     {},
}

// resolveJoin returns the rooms a join of room grants userID. An empty result
// with a nil error means the join is denied.
func resolveJoin(ctx context.Context, auth Authorizer, userID, room string) ([]string, error) {
	if IsPublicRoom(room) {
		return []string{room}, nil
	}
	key, _ := ParseRoomKey(room)
	if _, ok := privateCategories[key.Category]; !ok || auth == nil {
		return nil, nil
	}
	allowed, err := auth.Authorize(ctx, userID, key.Category, key.Entity)
	if err != nil {
		return nil, fmt.Errorf("gateway:join - failed to authorize %s: %w", room, err)
	}
	if !allowed {
		return nil, nil
	}
	return key.Expand(), nil
}
