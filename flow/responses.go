package flow

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/mohitkumar/fleetflow/model"
)

// Responses is the ordered batch handed to a state handler. Status is nil for
// incremental batches delivered to a callback state.
type Responses struct {
	request   *model.Request
	responses []*model.Response
	status    *model.Status
}

func newResponses(request *model.Request, data []*model.Response, status *model.Response) *Responses {
	r := &Responses{request: request, responses: data}
	if status != nil {
		r.status = status.Status
		if r.status == nil {
			r.status = &model.Status{Status: model.STATUS_OK}
		}
	}
	return r
}

func (r *Responses) Request() *model.Request {
	return r.request
}

func (r *Responses) Status() *model.Status {
	return r.status
}

// Success is false only when a status is present and is not OK.
func (r *Responses) Success() bool {
	return r.status == nil || r.status.Ok()
}

func (r *Responses) Len() int {
	return len(r.responses)
}

// Payloads returns the responses as opaque typed values.
func (r *Responses) Payloads() []*anypb.Any {
	out := make([]*anypb.Any, 0, len(r.responses))
	for _, resp := range r.responses {
		out = append(out, resp.Payload.Any())
	}
	return out
}

// Values decodes every response into its registered message type.
func (r *Responses) Values() ([]proto.Message, error) {
	out := make([]proto.Message, 0, len(r.responses))
	for _, resp := range r.responses {
		m, err := resp.Payload.Unpack()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
