package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSaveStateInsertsEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.SaveState(ctx, protocol.DeviceState{
		PeripheralID: "AA:BB",
		Name:         "Dev1",
		Battery:      "80%",
		Events:       []protocol.Event{{Timestamp: 20, Position: 3}, {Timestamp: 10, Position: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := s.Events(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, []protocol.Event{{Timestamp: 10, Position: 2}, {Timestamp: 20, Position: 3}}, events)
}

func TestSaveStateSkipsKnownEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	state := protocol.DeviceState{
		PeripheralID: "AA:BB",
		Name:         "Dev1",
		Battery:      "80%",
		Events:       []protocol.Event{{Timestamp: 10, Position: 2}},
	}

	_, err := s.SaveState(ctx, state)
	require.NoError(t, err)

	state.Events = append(state.Events, protocol.Event{Timestamp: 11, Position: 4})
	n, err := s.SaveState(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the new event should be inserted")

	events, err := s.Events(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSaveStateKeepsPeripheralsApart(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"AA:BB", "CC:DD"} {
		_, err := s.SaveState(ctx, protocol.DeviceState{
			PeripheralID: id,
			Name:         id,
			Battery:      "50%",
			Events:       []protocol.Event{{Timestamp: 10, Position: 1}},
		})
		require.NoError(t, err)
	}

	events, err := s.Events(ctx, "CC:DD")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveStateUpdatesDevice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.SaveState(ctx, protocol.DeviceState{PeripheralID: "AA:BB", Name: "Dev1", Battery: "80%", Events: []protocol.Event{}})
	require.NoError(t, err)
	_, err = s.SaveState(ctx, protocol.DeviceState{PeripheralID: "AA:BB", Name: "Desk", Battery: "75%", Events: []protocol.Event{}})
	require.NoError(t, err)

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "AA:BB", devices[0].PeripheralID)
	assert.Equal(t, "Desk", devices[0].Name)
	assert.Equal(t, "75%", devices[0].Battery)
	assert.True(t, devices[0].LastSync.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		"LastSync = %v", devices[0].LastSync)
}

func TestSaveStateRequiresPeripheralID(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.SaveState(context.Background(), protocol.DeviceState{Name: "Dev1"})
	assert.Error(t, err)
}

func TestEventsUnknownPeripheral(t *testing.T) {
	s := setupTestStore(t)
	events, err := s.Events(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.SaveState(ctx, protocol.DeviceState{
		PeripheralID: "AA:BB", Name: "Dev1", Battery: "80%",
		Events: []protocol.Event{{Timestamp: 1, Position: 1}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	events, err := s.Events(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
