package util

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoToValue converts a message into plain Go values via its JSON form, the
// shape script engines and JSONPath expect.
func ProtoToValue(m proto.Message) (any, error) {
	data, err := protojson.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func ConvertMapToStruct(data map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(data)
}

func ConvertFromProto(data map[string]*structpb.Value) map[string]any {
	out := make(map[string]any)
	for k, v := range data {
		out[k] = v.AsInterface()
	}
	return out
}
