package gateway

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const roomLogPrefix = "gateway:room"

// Room categories.
const (
	CategoryExchangeData        = "EXCHANGE_DATA"
	CategoryExchangeAccountData = "EXCHANGE_ACCOUNT_DATA"
	CategoryStrategyBuilder     = "STRATEGY_BUILDER"
	CategoryIndicatorBuilder    = "INDICATOR_BUILDER"
	CategoryBacktestSession     = "BACKTEST_SESSION"
	CategoryIndicatorTest       = "INDICATOR_TEST"
	CategoryLiveTradeSession    = "LIVE_TRADE_SESSION"
)

// Message types that close out a build or a session.
const (
	TypeError            = "ERROR"
	TypeBuildCompleted   = "BUILD_COMPLETED"
	TypeStartSession     = "START_SESSION"
	TypeUpdateSession    = "UPDATE_SESSION"
	TypeSessionCompleted = "SESSION_COMPLETED"

	wildcardType = "*"
)

// terminalTypes is what a wildcard join expands to, per category.
var terminalTypes = map[string][]string{
	CategoryStrategyBuilder:  {TypeError, TypeBuildCompleted},
	CategoryIndicatorBuilder: {TypeError, TypeBuildCompleted},
	CategoryBacktestSession:  {TypeError, TypeStartSession, TypeUpdateSession, TypeSessionCompleted},
}

// RoomKey is a CATEGORY:TYPE:ENTITY room name.
type RoomKey struct {
	Category string
	Type     string
	Entity   string
}

// ParseRoomKey splits a room name. ok is false unless it has exactly three parts.
func ParseRoomKey(room string) (RoomKey, bool) {
	parts := strings.Split(room, ":")
	if len(parts) != 3 {
		return RoomKey{}, false
	}
	return RoomKey{Category: parts[0], Type: parts[1], Entity: parts[2]}, true
}

func (k RoomKey) String() string {
	return k.Category + ":" + k.Type + ":" + k.Entity
}

// IsPublicRoom reports whether anyone may join room without an ownership check.
func IsPublicRoom(room string) bool {
	key, ok := ParseRoomKey(room)
	return !ok || key.Category == CategoryExchangeData
}

// Expand returns the rooms a join of k covers. A wildcard type expands to the
// category's terminal set; categories without one keep the literal room.
func (k RoomKey) Expand() []string {
	types, ok := terminalTypes[k.Category]
	if k.Type != wildcardType || !ok {
		return []string{k.String()}
	}
	rooms := make([]string, 0, len(types))
	for _, t := range types {
		rooms = append(rooms, RoomKey{Category: k.Category, Type: t, Entity: k.Entity}.String())
	}
	return rooms
}

// RoomManager tracks room membership of the local connections.
type RoomManager struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]*Client
	memberships map[string]map[string]struct{}
}

// NewRoomManager creates an empty RoomManager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:       make(map[string]map[string]*Client),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds c to room. It returns false when c was already a member.
func (rm *RoomManager) Join(room string, c *Client) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	members, ok := rm.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		rm.rooms[room] = members
	}
	if _, exists := members[c.ID()]; exists {
		return false
	}
	members[c.ID()] = c

	joined, ok := rm.memberships[c.ID()]
	if !ok {
		joined = make(map[string]struct{})
		rm.memberships[c.ID()] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes c from room. It returns false when c was not a member.
func (rm *RoomManager) Leave(room string, c *Client) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.leaveLocked(room, c.ID())
}

// LeaveAll removes c from every room and returns the rooms it left.
func (rm *RoomManager) LeaveAll(c *Client) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var left []string
	for room := range rm.memberships[c.ID()] {
		left = append(left, room)
	}
	for _, room := range left {
		rm.leaveLocked(room, c.ID())
	}
	sort.Strings(left)
	return left
}

func (rm *RoomManager) leaveLocked(room, clientID string) bool {
	members, ok := rm.rooms[room]
	if !ok {
		return false
	}
	if _, exists := members[clientID]; !exists {
		return false
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(rm.rooms, room)
	}
	if joined, ok := rm.memberships[clientID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(rm.memberships, clientID)
		}
	}
	return true
}

// RoomsOf returns the rooms c is in, sorted.
func (rm *RoomManager) RoomsOf(c *Client) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	rooms := make([]string, 0, len(rm.memberships[c.ID()]))
	for room := range rm.memberships[c.ID()] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Members returns a snapshot of the clients in room.
func (rm *RoomManager) Members(room string) []*Client {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	members := make([]*Client, 0, len(rm.rooms[room]))
	for _, c := range rm.rooms[room] {
		members = append(members, c)
	}
	return members
}

// Len returns the number of non-empty rooms.
func (rm *RoomManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// Broadcast queues frame on every member of room and returns how many
// accepted it. Slow clients drop the frame.
func (rm *RoomManager) Broadcast(room string, frame []byte) int {
	delivered := 0
	for _, c := range rm.Members(room) {
		if c.Send(frame) {
			delivered++
		}
	}
	zap.S().Debugf("%s - broadcast to %s reached %d clients", roomLogPrefix, room, delivered)
	return delivered
}
