package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/flow/flowtest"
	"github.com/mohitkumar/fleetflow/flows"
	"github.com/mohitkumar/fleetflow/frontend"
	"github.com/mohitkumar/fleetflow/model"
)

const clientId = "C.1000000000000000"

func setupTest(t *testing.T) (*Endpoint, *flowtest.Env) {
	t.Helper()
	env := flowtest.NewEnv(t)
	env.AddClient(t, clientId)
	require.NoError(t, flows.Register(env.Registry))

	lis := bufconn.Listen(1 << 20)
	srv, err := frontend.NewGrpcServer(&frontend.GrpcConfig{FlowService: env.Service, Clock: env.Clock.Now})
	require.NoError(t, err)
	go func() {
		_ = srv.Serve(lis)
	}()
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})

	e := New(Config{ClientId: clientId}, conn)
	e.RegisterBuiltinActions()
	return e, env
}

func startFlow(t *testing.T, env *flowtest.Env, name string, args proto.Message) string {
	flowId, err := env.Service.StartFlow(context.Background(), flow.StartFlowArgs{ClientId: clientId, FlowName: name, Args: args})
	require.NoError(t, err)
	return flowId
}

func TestEndpointAnswersInterrogation(t *testing.T) {
	e, env := setupTest(t)
	flowId := startFlow(t, env, flows.InterrogateFlowName, nil)

	n, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	env.Run(t, clientId, nil)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.FINISHED, f.FlowState)
	info := map[string]any{}
	require.NoError(t, json.Unmarshal(f.Store[flows.PlatformInfoKey], &info))
	require.Equal(t, runtime.GOOS, info["system"])
}

func TestEndpointReportsUnknownAction(t *testing.T) {
	e, env := setupTest(t)
	args, err := structpb.NewStruct(map[string]any{"action": "Nope"})
	require.NoError(t, err)
	flowId := startFlow(t, env, flows.ClientActionFlowName, args)

	_, err = e.PollOnce(context.Background())
	require.NoError(t, err)
	env.Run(t, clientId, nil)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Contains(t, f.ErrorMessage, "unknown action Nope")
}

func TestEndpointReportsActionErrors(t *testing.T) {
	e, env := setupTest(t)
	e.RegisterAction("Broken", func(ctx context.Context, args proto.Message) ([]proto.Message, error) {
		return nil, errors.New("disk on fire")
	})
	args, err := structpb.NewStruct(map[string]any{"action": "Broken"})
	require.NoError(t, err)
	flowId := startFlow(t, env, flows.ClientActionFlowName, args)

	_, err = e.PollOnce(context.Background())
	require.NoError(t, err)
	env.Run(t, clientId, nil)

	f := env.Flow(t, clientId, flowId)
	require.Equal(t, model.ERROR, f.FlowState)
	require.Contains(t, f.ErrorMessage, "disk on fire")
}

func TestEndpointPollsNothing(t *testing.T) {
	e, _ := setupTest(t)
	n, err := e.PollOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
