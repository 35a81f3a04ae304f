package model

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/anypb"
)

// Payload is an opaque typed value. It carries the same information as an
// anypb.Any but encodes cleanly with encoding/json.
type Payload struct {
	TypeUrl string `json:"type_url"`
	Value   []byte `json:"value,omitempty"`
}

func NewPayload(m proto.Message) (*Payload, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, err
	}
	return PayloadFromAny(a), nil
}

func PayloadFromAny(a *anypb.Any) *Payload {
	if a == nil {
		return nil
	}
	return &Payload{TypeUrl: a.GetTypeUrl(), Value: a.GetValue()}
}

func (p *Payload) Any() *anypb.Any {
	if p == nil {
		return nil
	}
	return &anypb.Any{TypeUrl: p.TypeUrl, Value: p.Value}
}

func (p *Payload) MessageName() protoreflect.FullName {
	return p.Any().MessageName()
}

// Unpack decodes the payload into a new message of the registered type.
func (p *Payload) Unpack() (proto.Message, error) {
	return p.Any().UnmarshalNew()
}

func (p *Payload) UnpackTo(m proto.Message) error {
	return p.Any().UnmarshalTo(m)
}
