package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohitkumar/fleetflow/cluster"
	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/model"
)

const (
	clientId   = "C.1000000000000000"
	structArgs = `{"@type": "type.googleapis.com/google.protobuf.Struct", "value": {"path": "/etc"}}`
)

type testServer struct {
	*httptest.Server
	env *flowtest.Env
}

func setupTest(t *testing.T) *testServer {
	env := flowtest.NewEnv(t)
	env.Registry.MustRegister(
		&flow.FlowClass{
			Name:     "EchoFlow",
			ArgsType: &structpb.Struct{},
			Start: func(f *flow.Context) error {
				return f.SendReply(f.Args())
			},
		},
		&flow.FlowClass{
			Name: "WaitingFlow",
			Start: func(f *flow.Context) error {
				return f.CallClient("Wait", nil, "Done")
			},
			States: map[string]flow.StateFunc{
				"Done": func(f *flow.Context, responses *flow.Responses) error { return nil },
			},
		},
	)
	ring := cluster.NewRing(cluster.RingConfig{PartitionCount: 4})
	require.NoError(t, ring.Join("node-0", "127.0.0.1:8099", true))
	s, err := NewServer(0, env.Service, ring)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, env: env}
}

func (s *testServer) do(t *testing.T, method string, path string, body string, out any) int {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) startFlow(t *testing.T, body string) string {
	var out map[string]string
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/clients/"+clientId+"/flows", body, &out))
	return out["flow_id"]
}

func TestStartAndReadFlow(t *testing.T) {
	s := setupTest(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/clients/"+clientId, "", nil))

	flowId := s.startFlow(t, `{"flow_name": "EchoFlow", "args": `+structArgs+`}`)

	var f map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/clients/"+clientId+"/flows/"+flowId, "", &f))
	require.Equal(t, string(model.FINISHED), f["flow_state"])
	require.Equal(t, "type.googleapis.com/google.protobuf.Struct", f["args"].(map[string]any)["@type"])

	var results []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/clients/"+clientId+"/flows/"+flowId+"/results", "", &results))
	require.Len(t, results, 1)
	payload := results[0]["payload"].(map[string]any)
	require.Equal(t, map[string]any{"path": "/etc"}, payload["value"])

	var flows []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/clients/"+clientId+"/flows", "", &flows))
	require.Len(t, flows, 1)

	var processed processFlowResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/flows/process", `{"client_id": "`+clientId+`", "flow_id": "`+flowId+`"}`, &processed))
	require.True(t, processed.NothingToProcess)
	require.Equal(t, model.FINISHED, processed.FlowState)
}

func TestStartFlowErrors(t *testing.T) {
	s := setupTest(t)
	path := "/clients/" + clientId + "/flows"
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, path, `{"flow_name": "EchoFlow"}`, nil))

	s.env.AddClient(t, clientId)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `{"flow_name": "NoSuchFlow"}`, nil))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `{"flow_name": "EchoFlow", "args": {"@type": "type.googleapis.com/google.protobuf.StringValue", "value": "x"}}`, nil))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `{"flow_name": "EchoFlow", "args": {"value": 1}}`, nil))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `not json`, nil))

	s.startFlow(t, `{"flow_name": "EchoFlow", "flow_id": "F:1"}`)
	require.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, path, `{"flow_name": "EchoFlow", "flow_id": "F:1"}`, nil))
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path+"/F:2", "", nil))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, path+"/F:1/results?count=x", "", nil))
}

func TestTerminateFlow(t *testing.T) {
	s := setupTest(t)
	s.env.AddClient(t, clientId)
	flowId := s.startFlow(t, `{"flow_name": "WaitingFlow"}`)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/clients/"+clientId+"/flows/"+flowId+"/terminate", `{"reason": "no longer needed"}`, nil))
	f := s.env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Equal(t, "no longer needed", f.ErrorMessage)
}

func TestScheduledFlows(t *testing.T) {
	s := setupTest(t)
	s.env.AddClient(t, clientId)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/users", `{"username": "u0"}`, nil))

	path := "/clients/" + clientId + "/scheduled-flows"
	var created map[string]string
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, path, `{"flow_name": "WaitingFlow", "creator": "u0"}`, &created))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, path, `{"flow_name": "EchoFlow", "creator": "u0", "args": `+structArgs+`}`, nil))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, path, "", nil))

	var scheduled []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path+"?creator=u0", "", &scheduled))
	require.Len(t, scheduled, 2)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, path+"/"+created["scheduled_flow_id"]+"?creator=u0", "", nil))
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, path+"/"+created["scheduled_flow_id"]+"?creator=u0", "", nil))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path+"/start?creator=u0", "", nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path+"?creator=u0", "", &scheduled))
	require.Empty(t, scheduled)

	var flows []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/clients/"+clientId+"/flows", "", &flows))
	require.Len(t, flows, 1)
	require.Equal(t, "u0", flows[0]["creator"])

	var notifications []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/users/u0/notifications", "", &notifications))
	require.Len(t, notifications, 1)
	require.Equal(t, string(model.FLOW_RUN_COMPLETED), notifications[0]["type"])
}

func TestMetricsAndMembers(t *testing.T) {
	s := setupTest(t)
	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "fleetflow_flows_started_total")

	var members []cluster.Node
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/cluster/members", "", &members))
	require.Equal(t, []cluster.Node{{Name: "node-0", Addr: "127.0.0.1:8099"}}, members)
}
