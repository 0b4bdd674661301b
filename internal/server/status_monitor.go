package server

import (
	"sync"
	"time"

	"github.com/stableyield/indexd/internal/events"
)

// CycleActivity is the last completed computation for one index code.
type CycleActivity struct {
	At           time.Time `json:"at"`
	CycleID      string    `json:"cycle_id"`
	Value        float64   `json:"value"`
	Mode         string    `json:"mode"`
	Confidence   float64   `json:"confidence"`
	Constituents int       `json:"constituents"`
	DurationMs   int64     `json:"duration_ms"`
}

// ErrorActivity is the most recent failure surfaced on the bus.
type ErrorActivity struct {
	At     time.Time `json:"at"`
	Module string    `json:"module"`
	Error  string    `json:"error"`
}

// BackupActivity is the most recent completed backup.
type BackupActivity struct {
	At        time.Time `json:"at"`
	Archive   string    `json:"archive"`
	SizeBytes int64     `json:"size_bytes"`
	Uploaded  bool      `json:"uploaded"`
}

// AlertActivity is the most recent regime alert.
type AlertActivity struct {
	At      time.Time `json:"at"`
	Date    string    `json:"date"`
	State   string    `json:"state"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ActivitySnapshot is the monitor's view for the system status endpoint.
type ActivitySnapshot struct {
	Cycles     map[string]CycleActivity `json:"cycles"`
	LastError  *ErrorActivity           `json:"last_error,omitempty"`
	LastBackup *BackupActivity          `json:"last_backup,omitempty"`
	LastAlert  *AlertActivity           `json:"last_alert,omitempty"`
}

// StatusMonitor folds bus events into a rolling activity snapshot. Handlers
// run on the emitter's goroutine, so they only take the lock briefly.
type StatusMonitor struct {
	mu         sync.RWMutex
	cycles     map[string]CycleActivity
	lastError  *ErrorActivity
	lastBackup *BackupActivity
	lastAlert  *AlertActivity
}

// NewStatusMonitor subscribes to the bus and starts tracking.
func NewStatusMonitor(bus *events.Bus) *StatusMonitor {
	m := &StatusMonitor{cycles: make(map[string]CycleActivity)}
	bus.Subscribe(events.CycleCompleted, m.onCycle)
	bus.Subscribe(events.ErrorOccurred, m.onError)
	bus.Subscribe(events.BackupCompleted, m.onBackup)
	bus.Subscribe(events.RegimeAlert, m.onAlert)
	return m
}

func (m *StatusMonitor) onCycle(e *events.Event) {
	data, ok := e.Data.(*events.CycleCompletedData)
	if !ok {
		return
	}
	m.mu.Lock()
	m.cycles[data.Code] = CycleActivity{
		At:           e.Timestamp,
		CycleID:      data.CycleID,
		Value:        data.Value,
		Mode:         data.Mode,
		Confidence:   data.Confidence,
		Constituents: data.Constituents,
		DurationMs:   data.DurationMs,
	}
	m.mu.Unlock()
}

func (m *StatusMonitor) onError(e *events.Event) {
	data, ok := e.Data.(*events.ErrorEventData)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastError = &ErrorActivity{At: e.Timestamp, Module: e.Module, Error: data.Error}
	m.mu.Unlock()
}

func (m *StatusMonitor) onBackup(e *events.Event) {
	data, ok := e.Data.(*events.BackupCompletedData)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastBackup = &BackupActivity{
		At:        e.Timestamp,
		Archive:   data.Archive,
		SizeBytes: data.SizeBytes,
		Uploaded:  data.Uploaded,
	}
	m.mu.Unlock()
}

func (m *StatusMonitor) onAlert(e *events.Event) {
	data, ok := e.Data.(*events.RegimeAlertData)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastAlert = &AlertActivity{
		At:      e.Timestamp,
		Date:    data.Date,
		State:   data.State,
		Level:   data.AlertLevel,
		Message: data.Message,
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of the current activity state.
func (m *StatusMonitor) Snapshot() ActivitySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := ActivitySnapshot{Cycles: make(map[string]CycleActivity, len(m.cycles))}
	for code, c := range m.cycles {
		snap.Cycles[code] = c
	}
	if m.lastError != nil {
		e := *m.lastError
		snap.LastError = &e
	}
	if m.lastBackup != nil {
		b := *m.lastBackup
		snap.LastBackup = &b
	}
	if m.lastAlert != nil {
		a := *m.lastAlert
		snap.LastAlert = &a
	}
	return snap
}
