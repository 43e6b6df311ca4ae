package gateway

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const directionInbound = "inbound"

var (
	builderTypes = map[string]bool{TypeBuildCompleted: true, TypeError: true}
	sessionTypes = map[string]bool{TypeStartSession: true, TypeUpdateSession: true, TypeSessionCompleted: true, TypeError: true}
)

// isInbound reports whether msg is addressed to a backend service.
func isInbound(msg []byte) bool {
	return gjson.GetBytes(msg, "meta.direction").String() == directionInbound
}

// stampServerTimestamp sets meta.serverTimestamp to now in unix milliseconds.
func stampServerTimestamp(msg []byte, now time.Time) ([]byte, error) {
	return sjson.SetBytes(msg, "meta.serverTimestamp", now.UnixMilli())
}

// outboundRoom derives the room an outbound message is delivered to. ok is
// false for unknown categories, unrouted types and missing entity ids.
func outboundRoom(msg []byte) (string, bool) {
	meta := gjson.GetBytes(msg, "meta")
	category := meta.Get("category").String()
	typ := meta.Get("type").String()
	if category == "" || typ == "" {
		return "", false
	}

	var entity string
	switch category {
	case CategoryExchangeData:
		entity = field(msg, "data.symbol")
	case CategoryExchangeAccountData:
		entity = field(msg, "data.accountId")
	case CategoryStrategyBuilder:
		if builderTypes[typ] {
			entity = field(msg, "data.strategy.id")
		}
	case CategoryIndicatorBuilder:
		if builderTypes[typ] {
			entity = field(msg, "data.indicator.id")
		}
	case CategoryBacktestSession:
		if sessionTypes[typ] {
			strategy := meta.Get("session._strategyId").String()
			session := meta.Get("session._id").String()
			if strategy != "" && session != "" {
				entity = strategy + "," + session
			}
		}
	}
	if entity == "" {
		return "", false
	}
	return RoomKey{Category: category, Type: typ, Entity: entity}.String(), true
}

func field(msg []byte, path string) string {
	r := gjson.GetBytes(msg, path)
	if r.Type == gjson.Null || r.IsObject() || r.IsArray() {
		return ""
	}
	return r.String()
}
