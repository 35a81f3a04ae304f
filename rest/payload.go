package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/mohitkumar/fleetflow/model"
)

// decodeArgs reads a protojson Any ({"@type": ..., ...}). Empty input means
// no args.
func decodeArgs(raw json.RawMessage) (proto.Message, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	a := &anypb.Any{}
	if err := protojson.Unmarshal(raw, a); err != nil {
		return nil, badRequest("invalid args: %v", err)
	}
	m, err := a.UnmarshalNew()
	if err != nil {
		return nil, badRequest("invalid args: %v", err)
	}
	return m, nil
}

// payloadJSON renders a payload as a protojson Any. Payloads of types this
// process does not know are rendered as the raw payload record.
func payloadJSON(p *model.Payload) json.RawMessage {
	if p == nil {
		return nil
	}
	data, err := protojson.Marshal(p.Any())
	if err != nil {
		data, _ = json.Marshal(p)
	}
	return data
}

type flowView struct {
	*model.Flow
	Args json.RawMessage `json:"args,omitempty"`
}

func newFlowView(f *model.Flow) flowView {
	return flowView{Flow: f, Args: payloadJSON(f.Args)}
}

func newFlowViews(flows []*model.Flow) []flowView {
	out := make([]flowView, 0, len(flows))
	for _, f := range flows {
		out = append(out, newFlowView(f))
	}
	return out
}

type scheduledFlowView struct {
	*model.ScheduledFlow
	Args json.RawMessage `json:"args,omitempty"`
}

func newScheduledFlowViews(sfs []*model.ScheduledFlow) []scheduledFlowView {
	out := make([]scheduledFlowView, 0, len(sfs))
	for _, sf := range sfs {
		out = append(out, scheduledFlowView{ScheduledFlow: sf, Args: payloadJSON(sf.Args)})
	}
	return out
}

type resultView struct {
	*model.FlowResult
	Payload json.RawMessage `json:"payload"`
}

func newResultViews(results []*model.FlowResult) []resultView {
	out := make([]resultView, 0, len(results))
	for _, r := range results {
		out = append(out, resultView{FlowResult: r, Payload: payloadJSON(r.Payload)})
	}
	return out
}

// pageParams reads the offset and count query parameters. A missing count
// means all entries.
func pageParams(r *http.Request) (int, int, error) {
	offset, count := 0, 0
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, badRequest("invalid offset %q", v)
		}
		offset = n
	}
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, badRequest("invalid count %q", v)
		}
		count = n
	}
	return offset, count, nil
}
