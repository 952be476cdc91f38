package registry

// allowedTransitions encodes the device status state machine. A missing
// entry means the transition is rejected. Self-transitions are always
// rejected; callers that need "still X" semantics should not call
// UpdateStatus at all.
var allowedTransitions = map[DeviceStatus]map[DeviceStatus]struct{}{
	StatusDisconnected: {
		StatusConnecting: {},
		StatusFailed:     {},
	},
	StatusConnecting: {
		StatusDisconnected: {},
		StatusConnected:    {},
		StatusFailed:       {},
	},
	StatusConnected: {
		StatusDisconnected: {},
		StatusRegistering:  {},
		StatusFailed:       {},
	},
	StatusRegistering: {
		StatusDisconnected: {},
		StatusIdle:         {},
		StatusFailed:       {},
	},
	StatusIdle: {
		StatusDisconnected: {},
		StatusBusy:         {},
		StatusFailed:       {},
	},
	StatusBusy: {
		StatusDisconnected: {},
		StatusIdle:         {},
		StatusFailed:       {},
	},
	StatusFailed: {
		StatusConnecting: {},
	},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to DeviceStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
