package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// GroupLine is one materialized collection in a run summary.
type GroupLine struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title  string         `json:"title"`
	RunID  string         `json:"run_id"`
	Counts map[string]int `json:"counts"`
	Groups []GroupLine    `json:"groups,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

// Body renders the counts and groups as plain text lines.
func (n *Notification) Body() string {
	keys := make([]string, 0, len(n.Counts))
	for k := range n.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %d\n", k, n.Counts[k])
	}
	for _, g := range n.Groups {
		fmt.Fprintf(&b, "%s: %d tracks\n", g.Name, g.Items)
	}
	for _, e := range n.Errors {
		fmt.Fprintf(&b, "error: %s\n", e)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
