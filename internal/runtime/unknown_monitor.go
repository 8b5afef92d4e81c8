package runtime

import "time"

// WindowReport is a one-shot rollover observation: how many unknown-id
// frames arrived in the window that just ended, and how many distinct ids
// were involved.
type WindowReport struct {
	Count     uint32
	UniqueIDs int
}

// UnknownObservation is the result of recording one unknown-id frame.
type UnknownObservation struct {
	TotalCount      uint64
	WindowCount     uint32
	ThresholdCrossed bool
	Rollover        *WindowReport
}

// UnknownMonitor is a rolling-window counter that throttles warnings for
// packet ids not present in the registry.
type UnknownMonitor struct {
	window    time.Duration
	threshold uint32

	windowStart time.Time
	windowCount uint32
	totalCount  uint64
	perWindowID map[uint8]uint32
}

// NewUnknownMonitor returns a monitor with the given rolling window duration
// and per-window threshold.
func NewUnknownMonitor(window time.Duration, threshold uint32) *UnknownMonitor {
	return &UnknownMonitor{
		window:      window,
		threshold:   threshold,
		perWindowID: make(map[uint8]uint32),
	}
}

// Reset clears all counters and restarts the window; called on SchemaReady
// and on HELLO.
func (m *UnknownMonitor) Reset() {
	m.windowStart = time.Time{}
	m.windowCount = 0
	m.totalCount = 0
	m.perWindowID = make(map[uint8]uint32)
}

// Record registers one unknown-id frame observed at now.
func (m *UnknownMonitor) Record(id uint8, now time.Time) UnknownObservation {
	var rollover *WindowReport

	if m.windowStart.IsZero() {
		m.windowStart = now
	} else if now.Sub(m.windowStart) >= m.window {
		if m.windowCount > 0 {
			rollover = &WindowReport{Count: m.windowCount, UniqueIDs: len(m.perWindowID)}
		}
		m.windowStart = now
		m.windowCount = 0
		m.perWindowID = make(map[uint8]uint32)
	}

	m.windowCount++
	m.totalCount++
	m.perWindowID[id]++

	return UnknownObservation{
		TotalCount:       m.totalCount,
		WindowCount:      m.windowCount,
		ThresholdCrossed: m.windowCount == m.threshold,
		Rollover:         rollover,
	}
}
