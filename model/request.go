package model

import (
	"sort"
	"time"
)

type ResponseType string

const (
	MESSAGE  ResponseType = "MESSAGE"
	STATUS   ResponseType = "STATUS"
	ITERATOR ResponseType = "ITERATOR"
)

type StatusCode string

const (
	STATUS_OK            StatusCode = "OK"
	STATUS_GENERIC_ERROR StatusCode = "GENERIC_ERROR"
	// STATUS_CLIENT_KILLED reports that the client died while running the
	// action. The flow crashes.
	STATUS_CLIENT_KILLED StatusCode = "CLIENT_KILLED"
)

type Request struct {
	ClientId      string    `json:"client_id"`
	FlowId        string    `json:"flow_id"`
	RequestId     uint64    `json:"request_id"`
	NextState     string    `json:"next_state"`
	CallbackState string    `json:"callback_state,omitempty"`
	StartTime     time.Time `json:"start_time"`
	// NextResponseId is the first response id not yet handed to the
	// callback state.
	NextResponseId uint64    `json:"next_response_id,omitempty"`
	ClientAction   string    `json:"client_action,omitempty"`
	ChildFlowId    string    `json:"child_flow_id,omitempty"`
	CreateTime     time.Time `json:"create_time"`
}

func (r *Request) Copy() *Request {
	c := *r
	return &c
}

// ReadyAt reports whether the request's start time has passed.
func (r *Request) ReadyAt(now time.Time) bool {
	return r.StartTime.IsZero() || !now.Before(r.StartTime)
}

type Status struct {
	Status           StatusCode    `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Backtrace        string        `json:"backtrace,omitempty"`
	CpuTimeUsed      CpuSeconds    `json:"cpu_time_used"`
	NetworkBytesSent uint64        `json:"network_bytes_sent,omitempty"`
	Runtime          time.Duration `json:"runtime,omitempty"`
	ChildFlowId      string        `json:"child_flow_id,omitempty"`
}

func (s *Status) Ok() bool {
	return s != nil && s.Status == STATUS_OK
}

type Response struct {
	ClientId   string       `json:"client_id"`
	FlowId     string       `json:"flow_id"`
	RequestId  uint64       `json:"request_id"`
	ResponseId uint64       `json:"response_id"`
	Type       ResponseType `json:"type"`
	Payload    *Payload     `json:"payload,omitempty"`
	Status     *Status      `json:"status,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (r *Response) IsStatus() bool {
	return r.Type == STATUS
}

func SortResponses(responses []*Response) {
	sort.Slice(responses, func(i, j int) bool {
		return responses[i].ResponseId < responses[j].ResponseId
	})
}

// RequestAndResponses is one outstanding request together with every
// response stored for it, ordered by response id.
type RequestAndResponses struct {
	Request   *Request
	Responses []*Response
}

func (rr *RequestAndResponses) StatusResponse() *Response {
	for _, r := range rr.Responses {
		if r.IsStatus() {
			return r
		}
	}
	return nil
}

// IsComplete is true once a status is stored and every response id below it
// is present.
func (rr *RequestAndResponses) IsComplete() bool {
	st := rr.StatusResponse()
	if st == nil {
		return false
	}
	var below uint64
	for _, r := range rr.Responses {
		if !r.IsStatus() && r.ResponseId < st.ResponseId {
			below++
		}
	}
	return below == st.ResponseId-1
}

// DataResponses returns the MESSAGE responses in response id order.
func (rr *RequestAndResponses) DataResponses() []*Response {
	out := make([]*Response, 0, len(rr.Responses))
	for _, r := range rr.Responses {
		if r.Type == MESSAGE {
			out = append(out, r)
		}
	}
	return out
}

// IncrementalBatch returns the data responses contiguous from the request's
// NextResponseId and the id following the batch.
func (rr *RequestAndResponses) IncrementalBatch() ([]*Response, uint64) {
	next := rr.Request.NextResponseId
	if next == 0 {
		next = 1
	}
	var batch []*Response
	for _, r := range rr.Responses {
		if r.ResponseId < next {
			continue
		}
		if r.ResponseId != next || r.IsStatus() {
			break
		}
		if r.Type == MESSAGE {
			batch = append(batch, r)
		}
		next++
	}
	return batch, next
}
