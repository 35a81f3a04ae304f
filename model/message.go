package model

import "time"

// Message is the envelope exchanged with clients. Server to client it
// carries a client action request, client to server a data or status reply
// for that request.
type Message struct {
	ClientId   string       `json:"client_id"`
	FlowId     string       `json:"flow_id"`
	RequestId  uint64       `json:"request_id"`
	ResponseId uint64       `json:"response_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Type       ResponseType `json:"type"`
	Payload    *Payload     `json:"payload,omitempty"`
	Status     *Status      `json:"status,omitempty"`

	CpuLimit          float64       `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64        `json:"network_bytes_limit,omitempty"`
	RuntimeLimit      time.Duration `json:"runtime_limit,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func (m *Message) Response() *Response {
	return &Response{
		ClientId:   m.ClientId,
		FlowId:     m.FlowId,
		RequestId:  m.RequestId,
		ResponseId: m.ResponseId,
		Type:       m.Type,
		Payload:    m.Payload,
		Status:     m.Status,
		Timestamp:  m.Timestamp,
	}
}
