package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
	"github.com/scrumdeck/scrumdeck/internal/room"
)

// discardBroadcaster satisfies the registry without a transport.
type discardBroadcaster struct{}

func (discardBroadcaster) Broadcast(string, protocol.Event)             {}
func (discardBroadcaster) BroadcastExcept(string, string, protocol.Event) {}
func (discardBroadcaster) SendTo(string, string, protocol.Event)        {}

func TestExtractRoomIDFromPath(t *testing.T) {
	assert.Equal(t, "demo", extractRoomIDFromPath("/api/rooms/demo/state"))
	assert.Equal(t, "room-42", extractRoomIDFromPath("/api/rooms/room-42/state"))
	assert.Empty(t, extractRoomIDFromPath("/api/rooms//state"))
	assert.Empty(t, extractRoomIDFromPath("/api/rooms/a/b/state"))
	assert.Empty(t, extractRoomIDFromPath("/api/other/demo/state"))
	assert.Empty(t, extractRoomIDFromPath("/api/rooms/demo"))
}

func TestHandleGetRoomState(t *testing.T) {
	registry := room.NewRegistry(discardBroadcaster{})
	require.NoError(t, registry.Join("demo", "m1", "Alice", "tshirt"))
	_, err := registry.AddItem("demo", "t1", "one")
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewStateHandler(registry).RegisterStateRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/demo/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state protocol.RoomStatePayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "demo", state.RoomID)
	assert.Equal(t, "tshirt", state.VotingSystem)
	require.Len(t, state.Tickets, 1)
	assert.Equal(t, "t1", state.Tickets[0].ID)
	assert.Empty(t, state.SelfID, "an unauthenticated snapshot names no member")
}

func TestHandleGetRoomStateNotFound(t *testing.T) {
	registry := room.NewRegistry(discardBroadcaster{})
	mux := http.NewServeMux()
	NewStateHandler(registry).RegisterStateRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/ghost/state", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetRoomStateRejectsWrites(t *testing.T) {
	registry := room.NewRegistry(discardBroadcaster{})
	mux := http.NewServeMux()
	NewStateHandler(registry).RegisterStateRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rooms/demo/state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
