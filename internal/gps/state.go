package gps

// ConnectionState reports link and fix health for a session.
type ConnectionState struct {
	// LinkAlive is set by the first decoded frame and stays set until the
	// session is reset.
	LinkAlive bool `json:"link_alive"`
	// SignalAcquired follows the most recent fix validity report.
	SignalAcquired bool `json:"signal_acquired"`
}

type stateTracker struct {
	st ConnectionState
}

func (t *stateTracker) frameDecoded(signal *bool) {
	t.st.LinkAlive = true
	if signal != nil {
		t.st.SignalAcquired = *signal
	}
}

func (t *stateTracker) reset() { t.st = ConnectionState{} }
