package model

import (
	"encoding/json"
	"time"
)

type FlowState string

const (
	RUNNING  FlowState = "RUNNING"
	FINISHED FlowState = "FINISHED"
	ERROR    FlowState = "ERROR"
	CRASHED  FlowState = "CRASHED"
)

func (s FlowState) IsTerminal() bool {
	return s == FINISHED || s == ERROR || s == CRASHED
}

// CanTransitionTo reports whether a flow in state s may move to next. RUNNING
// is the only source state and terminal states have no outgoing edges.
func (s FlowState) CanTransitionTo(next FlowState) bool {
	return s == RUNNING && next.IsTerminal()
}

type RunnerArgs struct {
	// CpuLimit is in seconds of user plus system time. Zero means unbounded,
	// as for the other limits.
	CpuLimit          float64       `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64        `json:"network_bytes_limit,omitempty"`
	RuntimeLimit      time.Duration `json:"runtime_limit,omitempty"`
}

type CpuSeconds struct {
	UserCpuTime   float64 `json:"user_cpu_time"`
	SystemCpuTime float64 `json:"system_cpu_time"`
}

func (c CpuSeconds) Total() float64 {
	return c.UserCpuTime + c.SystemCpuTime
}

func (c *CpuSeconds) Add(o CpuSeconds) {
	c.UserCpuTime += o.UserCpuTime
	c.SystemCpuTime += o.SystemCpuTime
}

type OutputPluginDescriptor struct {
	PluginName string            `json:"plugin_name"`
	Args       map[string]string `json:"args,omitempty"`
}

type Flow struct {
	ClientId        string `json:"client_id"`
	FlowId          string `json:"flow_id"`
	FlowClassName   string `json:"flow_class_name"`
	Creator         string `json:"creator,omitempty"`
	ParentFlowId    string `json:"parent_flow_id,omitempty"`
	ParentRequestId uint64 `json:"parent_request_id,omitempty"`
	ParentHuntId    string `json:"parent_hunt_id,omitempty"`

	FlowState    FlowState                  `json:"flow_state"`
	CurrentState string                     `json:"current_state,omitempty"`
	Args         *Payload                   `json:"args,omitempty"`
	Store        map[string]json.RawMessage `json:"store,omitempty"`

	RunnerArgs       RunnerArgs    `json:"runner_args"`
	CpuTimeUsed      CpuSeconds    `json:"cpu_time_used"`
	NetworkBytesSent uint64        `json:"network_bytes_sent"`
	RuntimeUsed      time.Duration `json:"runtime_used"`

	// NextRequestId is the id the next outgoing request gets. Ids start at 1
	// and are never reused.
	NextRequestId        uint64 `json:"next_request_id"`
	NextRequestToProcess uint64 `json:"next_request_to_process"`
	NumRepliesSent       uint64 `json:"num_replies_sent"`

	OutputPlugins []OutputPluginDescriptor `json:"output_plugins,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Backtrace    string `json:"backtrace,omitempty"`

	CreateTime     time.Time `json:"create_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

func FlowKey(clientId string, flowId string) string {
	return clientId + "/" + flowId
}

func (f *Flow) Key() string {
	return FlowKey(f.ClientId, f.FlowId)
}

func (f *Flow) IsChild() bool {
	return f.ParentFlowId != ""
}

// HasOutstandingRequests is false once every allocated request has been
// processed.
func (f *Flow) HasOutstandingRequests() bool {
	return f.NextRequestToProcess < f.NextRequestId
}

func (f *Flow) Copy() *Flow {
	c := *f
	if f.Store != nil {
		c.Store = make(map[string]json.RawMessage, len(f.Store))
		for k, v := range f.Store {
			c.Store[k] = append(json.RawMessage(nil), v...)
		}
	}
	if f.OutputPlugins != nil {
		c.OutputPlugins = make([]OutputPluginDescriptor, len(f.OutputPlugins))
		copy(c.OutputPlugins, f.OutputPlugins)
	}
	if f.Args != nil {
		args := *f.Args
		c.Args = &args
	}
	return &c
}
