package models

// ConnectionType is the platform-reported transport classification.
type ConnectionType string

const (
	ConnectionWifi      ConnectionType = "wifi"
	ConnectionCellular  ConnectionType = "cellular"
	ConnectionEthernet  ConnectionType = "ethernet"
	ConnectionBluetooth ConnectionType = "bluetooth"
	ConnectionVPN       ConnectionType = "vpn"
	ConnectionOther     ConnectionType = "other"
	ConnectionNone      ConnectionType = "none"
	ConnectionUnknown   ConnectionType = "unknown"
)

// NetworkState is a normalized connectivity snapshot. It is recomputed on
// every platform signal and never persisted.
type NetworkState struct {
	IsConnected    bool           `json:"isConnected"`
	ConnectionType ConnectionType `json:"connectionType"`
	// IsInternetReachable is nil when the platform cannot tell.
	IsInternetReachable *bool `json:"isInternetReachable"`
}

// Online reports whether the state counts as online. Unknown reachability
// is treated optimistically.
func (s NetworkState) Online() bool {
	if !s.IsConnected {
		return false
	}
	return s.IsInternetReachable == nil || *s.IsInternetReachable
}

// Equal compares two snapshots field by field.
func (s NetworkState) Equal(o NetworkState) bool {
	if s.IsConnected != o.IsConnected || s.ConnectionType != o.ConnectionType {
		return false
	}
	switch {
	case s.IsInternetReachable == nil && o.IsInternetReachable == nil:
		return true
	case s.IsInternetReachable == nil || o.IsInternetReachable == nil:
		return false
	default:
		return *s.IsInternetReachable == *o.IsInternetReachable
	}
}

// Bool returns a pointer to b, for building NetworkState literals.
func Bool(b bool) *bool {
	return &b
}
