package websocket

import (
	"github.com/mam15mon/network/internal/db"
)

// Broadcaster adapts the hub to the event interfaces of the runner and the
// scheduler. A nil-hub Broadcaster is valid and drops every event.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster wraps a hub. hub may be nil.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// JobUpdated publishes a job state transition to the per-job topic and the
// firehose.
func (b *Broadcaster) JobUpdated(job *db.Job) {
	if b == nil || b.hub == nil || job == nil {
		return
	}
	msg := Message{Type: MsgJobStatus, Topic: "job:" + job.ID.String(), Payload: job}
	b.hub.Publish(msg.Topic, msg)
	b.hub.Publish("jobs", Message{Type: MsgJobStatus, Topic: "jobs", Payload: job})
}

// ScheduleRunFinished publishes a terminal schedule run to the per-schedule
// topic and the firehose.
func (b *Broadcaster) ScheduleRunFinished(run *db.BackupRun) {
	if b == nil || b.hub == nil || run == nil {
		return
	}
	msg := Message{Type: MsgScheduleRun, Topic: "schedule:" + run.ScheduleID.String(), Payload: run}
	b.hub.Publish(msg.Topic, msg)
	b.hub.Publish("schedules", Message{Type: MsgScheduleRun, Topic: "schedules", Payload: run})
}
