package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(id string) *Client {
	return newClient(Session{ConnectionID: id, UserID: "u-" + id}, nil, nil)
}

func TestParseRoomKey(t *testing.T) {
	key, ok := ParseRoomKey("STRATEGY_BUILDER:*:42")
	require.True(t, ok)
	assert.Equal(t, RoomKey{Category: "STRATEGY_BUILDER", Type: "*", Entity: "42"}, key)
	assert.Equal(t, "STRATEGY_BUILDER:*:42", key.String())

	for _, room := range []string{"lobby", "A:B", "A:B:C:D"} {
		_, ok := ParseRoomKey(room)
		assert.False(t, ok, room)
	}
}

func TestIsPublicRoom(t *testing.T) {
	assert.True(t, IsPublicRoom("lobby"))
	assert.True(t, IsPublicRoom("EXCHANGE_DATA:GET_TICKER:BTCUSDT"))
	assert.True(t, IsPublicRoom("A:B:C:D"))
	assert.False(t, IsPublicRoom("STRATEGY_BUILDER:ERROR:1"))
	assert.False(t, IsPublicRoom("UNKNOWN:X:1"))
}

func TestRoomKey_Expand(t *testing.T) {
	tests := []struct {
		room string
		want []string
	}{
		{"STRATEGY_BUILDER:*:7", []string{"STRATEGY_BUILDER:ERROR:7", "STRATEGY_BUILDER:BUILD_COMPLETED:7"}},
		{"INDICATOR_BUILDER:*:9", []string{"INDICATOR_BUILDER:ERROR:9", "INDICATOR_BUILDER:BUILD_COMPLETED:9"}},
		{"BACKTEST_SESSION:*:1,2", []string{
			"BACKTEST_SESSION:ERROR:1,2", "BACKTEST_SESSION:START_SESSION:1,2",
			"BACKTEST_SESSION:UPDATE_SESSION:1,2", "BACKTEST_SESSION:SESSION_COMPLETED:1,2",
		}},
		{"EXCHANGE_ACCOUNT_DATA:*:acc", []string{"EXCHANGE_ACCOUNT_DATA:*:acc"}},
		{"STRATEGY_BUILDER:ERROR:7", []string{"STRATEGY_BUILDER:ERROR:7"}},
	}
	for _, tt := range tests {
		key, ok := ParseRoomKey(tt.room)
		require.True(t, ok)
		assert.Equal(t, tt.want, key.Expand(), tt.room)
	}
}

func TestRoomManager_JoinLeave(t *testing.T) {
	rm := NewRoomManager()
	a, b := testClient("a"), testClient("b")

	assert.True(t, rm.Join("r1", a))
	assert.False(t, rm.Join("r1", a), "second join is a no-op")
	assert.True(t, rm.Join("r1", b))
	assert.True(t, rm.Join("r2", a))
	assert.Equal(t, 2, rm.Len())
	assert.Equal(t, []string{"r1", "r2"}, rm.RoomsOf(a))
	assert.Len(t, rm.Members("r1"), 2)

	assert.True(t, rm.Leave("r1", b))
	assert.False(t, rm.Leave("r1", b))
	assert.Equal(t, []string{"r1", "r2"}, rm.LeaveAll(a))
	assert.Zero(t, rm.Len())
	assert.Empty(t, rm.RoomsOf(a))
}

func TestRoomManager_Broadcast(t *testing.T) {
	rm := NewRoomManager()
	a, b, outsider := testClient("a"), testClient("b"), testClient("c")
	rm.Join("r", a)
	rm.Join("r", b)

	b.Close()
	assert.Equal(t, 1, rm.Broadcast("r", []byte(`{"event":"message"}`)))
	assert.Equal(t, `{"event":"message"}`, string(<-a.send))
	assert.Empty(t, outsider.send)
	assert.Zero(t, rm.Broadcast("nobody", []byte(`{}`)))
}

func TestClient_SendDropsWhenFull(t *testing.T) {
	c := testClient("a")
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.Send([]byte("x")))
	}
	assert.False(t, c.Send([]byte("x")))
}
