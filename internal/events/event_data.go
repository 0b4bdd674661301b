package events

// EventData is the interface all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with.
	EventType() EventType
}

// CycleCompletedData reports one finished computation cycle.
type CycleCompletedData struct {
	CycleID      string  `json:"cycle_id"`
	Code         string  `json:"code"`
	Value        float64 `json:"value"`
	Mode         string  `json:"mode"`
	Confidence   float64 `json:"confidence"`
	Constituents int     `json:"constituents"`
	DurationMs   int64   `json:"duration_ms"`
}

// EventType returns the event type for CycleCompletedData.
func (d *CycleCompletedData) EventType() EventType {
	return CycleCompleted
}

// RegimeAlertData reports a daily regime decision that raised an alert.
type RegimeAlertData struct {
	Date       string `json:"date"`
	Code       string `json:"code"`
	State      string `json:"state"`
	AlertLevel string `json:"alert_level"`
	Message    string `json:"message"`
}

// EventType returns the event type for RegimeAlertData.
func (d *RegimeAlertData) EventType() EventType {
	return RegimeAlert
}

// BackupCompletedData reports a finished store backup.
type BackupCompletedData struct {
	Archive    string `json:"archive"`
	SizeBytes  int64  `json:"size_bytes"`
	Uploaded   bool   `json:"uploaded"`
	DurationMs int64  `json:"duration_ms"`
}

// EventType returns the event type for BackupCompletedData.
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData carries a component failure surfaced on the bus.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData.
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
