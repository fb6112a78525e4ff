// Package websocket implements the pub/sub hub that pushes engine events to
// connected clients. It uses gorilla/websocket under the hood and exposes a
// topic-based broadcast API consumed by the job runner and the scheduler.
//
// Topic naming convention:
//
//	jobs              every job status transition (firehose)
//	job:<uuid>        status updates for one job
//	schedules         every schedule run outcome (firehose)
//	schedule:<uuid>   run outcomes for one schedule
package websocket

// MessageType identifies the kind of event carried by a Message. Clients
// route the payload on this field.
type MessageType string

const (
	// MsgJobStatus is sent on every job state transition
	// (pending -> running -> completed | failed | canceled).
	MsgJobStatus MessageType = "job.status"

	// MsgScheduleRun is sent when a scheduled backup run reaches a terminal
	// state.
	MsgScheduleRun MessageType = "schedule.run"

	// MsgPing is sent periodically so clients can detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	Type  MessageType `json:"type"`
	Topic string      `json:"topic"`

	// Payload carries the event data. job.status carries the job row;
	// schedule.run carries the run row.
	Payload any `json:"payload"`
}
