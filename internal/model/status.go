package model

import "fmt"

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
)

type NotificationStatus string

const (
	NotificationStatusScheduled NotificationStatus = "scheduled"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusResolved  NotificationStatus = "resolved"
)

var terminalNotificationStatuses = map[NotificationStatus]bool{
	NotificationStatusResolved: true,
}

// Task transitions: open → completed. Completed is terminal.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusOpen: {
		TaskStatusCompleted: true,
	},
	TaskStatusCompleted: {},
}

// Notification transitions: scheduled → sent → resolved; a scheduled row may be resolved
// directly when the user reacts before delivery is confirmed.
var validNotificationTransitions = map[NotificationStatus]map[NotificationStatus]bool{
	NotificationStatusScheduled: {
		NotificationStatusSent:     true,
		NotificationStatusResolved: true,
	},
	NotificationStatusSent: {
		NotificationStatusResolved: true,
	},
}

func IsNotificationTerminal(s NotificationStatus) bool {
	return terminalNotificationStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateNotificationTransition(from, to NotificationStatus) error {
	if from == to {
		return nil
	}
	if IsNotificationTerminal(from) {
		return fmt.Errorf("cannot transition from terminal notification status %q", from)
	}
	allowed, ok := validNotificationTransitions[from]
	if !ok {
		return fmt.Errorf("unknown notification status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid notification transition: %q → %q", from, to)
	}
	return nil
}
