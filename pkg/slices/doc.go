// Package slices holds the reducer slices every conversation actor is
// composed from. Each slice owns a namespaced set of event types, an
// immutable state fragment and the payload types of its events.
package slices

import (
	"maps"
	"slices"

	"github.com/wilhg/convo/pkg/agent"
)

// Capabilities the built-in slices need from their host actor.
const (
	CapModel       agent.Capability = "model"
	CapTools       agent.Capability = "tools"
	CapConnections agent.Capability = "connections"
	CapScheduler   agent.Capability = "scheduler"
	CapHeartbeat   agent.Capability = "heartbeat"
)

// All returns the built-in slices.
func All() []agent.Slice {
	return []agent.Slice{Conversation, Tools, Connections, Reminders, Processes}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
