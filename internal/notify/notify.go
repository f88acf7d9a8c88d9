package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	RoutineID   string // Optional routine reference
	ExecutionID string // Optional execution reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// ExecutionFinished builds the notification for a terminal execution
func ExecutionFinished(routineName, routineID, executionID string, failed bool, errMsg string) Notification {
	if failed {
		return Notification{
			Title:       fmt.Sprintf("Routine %s failed", routineName),
			Message:     errMsg,
			Type:        NotifyError,
			RoutineID:   routineID,
			ExecutionID: executionID,
		}
	}
	return Notification{
		Title:       fmt.Sprintf("Routine %s completed", routineName),
		Message:     "run finished",
		Type:        NotifySuccess,
		RoutineID:   routineID,
		ExecutionID: executionID,
	}
}
