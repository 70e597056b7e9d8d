package realtime

// Message is one push notification from the server. Delivery is best-effort:
// messages drive cache freshness, not correctness.
type Message struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	RootTaskID string `json:"root_task_id,omitempty"`
}

// IDs returns the task identifiers the message references, deduplicated,
// in field order.
func (m Message) IDs() []string {
	var ids []string
	seen := make(map[string]struct{}, 4)
	for _, id := range []string{m.TaskID, m.ID, m.ParentID, m.RootTaskID} {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Handler receives inbound messages.
type Handler func(Message)

// StatusHandler observes connected/disconnected transitions. Transient
// reconnect attempts are not reported, only the boolean status change.
type StatusHandler func(connected bool)
