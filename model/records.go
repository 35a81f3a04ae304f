package model

import "time"

type Client struct {
	ClientId  string    `json:"client_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type User struct {
	Username   string    `json:"username"`
	CreateTime time.Time `json:"create_time"`
}

type NotificationType string

const (
	FLOW_RUN_COMPLETED NotificationType = "FLOW_RUN_COMPLETED"
	FLOW_RUN_FAILED    NotificationType = "FLOW_RUN_FAILED"
)

type UserNotification struct {
	Username  string           `json:"username"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	ClientId  string           `json:"client_id,omitempty"`
	FlowId    string           `json:"flow_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type FlowResult struct {
	ClientId  string    `json:"client_id"`
	FlowId    string    `json:"flow_id"`
	Index     uint64    `json:"index"`
	Payload   *Payload  `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type FlowLogEntry struct {
	ClientId  string    `json:"client_id"`
	FlowId    string    `json:"flow_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ScheduledFlow struct {
	ClientId        string                   `json:"client_id"`
	Creator         string                   `json:"creator"`
	ScheduledFlowId string                   `json:"scheduled_flow_id"`
	FlowName        string                   `json:"flow_name"`
	Args            *Payload                 `json:"args,omitempty"`
	RunnerArgs      RunnerArgs               `json:"runner_args"`
	OutputPlugins   []OutputPluginDescriptor `json:"output_plugins,omitempty"`
	CreateTime      time.Time                `json:"create_time"`
	// Error holds the reason the last start attempt failed.
	Error string `json:"error,omitempty"`
}

// FlowProcessingRequest tells a worker that a flow may have work to do.
type FlowProcessingRequest struct {
	ClientId     string    `json:"client_id"`
	FlowId       string    `json:"flow_id"`
	Partition    int       `json:"partition"`
	DeliveryTime time.Time `json:"delivery_time"`
	CreationTime time.Time `json:"creation_time"`
}

func (r *FlowProcessingRequest) Key() string {
	return FlowKey(r.ClientId, r.FlowId)
}

// FlowUpdate is everything one handler invocation changes. Stores apply it
// atomically.
type FlowUpdate struct {
	Flow *Flow
	// LeaseToken is the lease the writer holds on Flow. Stores reject the
	// update with ErrFlowLeased when the lease was lost or expired. Empty
	// writes unconditionally.
	LeaseToken string
	// NewRequests and UpdatedRequests are written as is.
	NewRequests     []*Request
	UpdatedRequests []*Request
	// ProcessedRequests are deleted together with their responses.
	ProcessedRequests  []uint64
	Responses          []*Response
	Results            []*FlowResult
	LogEntries         []*FlowLogEntry
	ClientMessages     []*Message
	ProcessingRequests []*FlowProcessingRequest
}
