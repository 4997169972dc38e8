// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// ActionType Tests
// =====================================================

// TestParseActionType verifies known and unknown action types.
func TestParseActionType(t *testing.T) {
	for _, at := range ActionTypes {
		got, err := ParseActionType(string(at))
		require.NoError(t, err)
		assert.Equal(t, at, got)
	}

	_, err := ParseActionType("DELETE_EVERYTHING")
	assert.Error(t, err)
	assert.Len(t, ActionTypes, 9)
}

// =====================================================
// OfflineAction Tests
// =====================================================

// TestOfflineAction_Clone verifies payload bytes are not shared.
func TestOfflineAction_Clone(t *testing.T) {
	a := OfflineAction{ID: "a", Type: ActionCheckIn, Payload: json.RawMessage(`{"workerId":"w1"}`)}
	c := a.Clone()
	c.Payload[2] = 'X'

	assert.Equal(t, `{"workerId":"w1"}`, string(a.Payload))
}

// TestOfflineAction_DecodePayload verifies typed decoding.
func TestOfflineAction_DecodePayload(t *testing.T) {
	a := OfflineAction{ID: "a", Type: ActionUpdateProgress, Payload: json.RawMessage(`{"assignmentId":"a1","percent":50}`)}

	var p AssignmentPayload
	require.NoError(t, a.DecodePayload(&p))
	assert.Equal(t, "a1", p.AssignmentID)
	require.NotNil(t, p.Percent)
	assert.Equal(t, 50, *p.Percent)

	empty := OfflineAction{ID: "b"}
	assert.Error(t, empty.DecodePayload(&p))
}

// TestOfflineAction_JSONKeys verifies the persisted field names.
func TestOfflineAction_JSONKeys(t *testing.T) {
	a := OfflineAction{ID: "x", Type: ActionWorkLog, Payload: json.RawMessage(`{}`), CreatedAt: time.Unix(0, 0).UTC(), RetryCount: 2}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "type", "payload", "createdAt", "retryCount"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "lastError")
}

// =====================================================
// NetworkState Tests
// =====================================================

// TestNetworkState_Online verifies the optimistic reachability rule.
func TestNetworkState_Online(t *testing.T) {
	tests := []struct {
		name  string
		state NetworkState
		want  bool
	}{
		{"disconnected", NetworkState{IsConnected: false}, false},
		{"connected unknown reachability", NetworkState{IsConnected: true}, true},
		{"connected reachable", NetworkState{IsConnected: true, IsInternetReachable: Bool(true)}, true},
		{"connected unreachable", NetworkState{IsConnected: true, IsInternetReachable: Bool(false)}, false},
		{"disconnected but reachable", NetworkState{IsConnected: false, IsInternetReachable: Bool(true)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Online())
		})
	}
}

// TestNetworkState_Equal verifies pointer-aware comparison.
func TestNetworkState_Equal(t *testing.T) {
	a := NetworkState{IsConnected: true, ConnectionType: ConnectionWifi, IsInternetReachable: Bool(true)}
	b := NetworkState{IsConnected: true, ConnectionType: ConnectionWifi, IsInternetReachable: Bool(true)}
	c := NetworkState{IsConnected: true, ConnectionType: ConnectionWifi}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, c.Equal(NetworkState{IsConnected: true, ConnectionType: ConnectionWifi}))
}

// =====================================================
// CachedEntity Tests
// =====================================================

// TestCachedEntity_Expired verifies the TTL boundary.
func TestCachedEntity_Expired(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := CachedEntity[Assignment]{Data: Assignment{ID: "a1"}, CachedAt: t0}

	assert.False(t, e.Expired(t0.Add(24*time.Hour-time.Millisecond), 24*time.Hour))
	assert.False(t, e.Expired(t0.Add(24*time.Hour), 24*time.Hour))
	assert.True(t, e.Expired(t0.Add(24*time.Hour+time.Millisecond), 24*time.Hour))
}
