package outputplugin

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func testFlow() *model.Flow {
	return &model.Flow{
		ClientId:      "C.1000000000000000",
		FlowId:        "ABCDEF0123456789",
		FlowClassName: "ListProcesses",
		FlowState:     model.FINISHED,
	}
}

func testResults(t *testing.T, values ...proto.Message) []*model.FlowResult {
	out := make([]*model.FlowResult, 0, len(values))
	for i, v := range values {
		p, err := model.NewPayload(v)
		require.NoError(t, err)
		out = append(out, &model.FlowResult{ClientId: "C.1000000000000000", FlowId: "ABCDEF0123456789", Index: uint64(i), Payload: p})
	}
	return out
}

func TestRegistryUnknownPlugin(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.New(model.OutputPluginDescriptor{PluginName: "Nope"})
	require.ErrorAs(t, err, &UnknownOutputPluginError{})
	require.Equal(t, []string{JavaScriptPluginName, LogFilePluginName}, r.Names())
}

func TestRegistryOverride(t *testing.T) {
	r := NewRegistry()
	called := 0
	r.Register("Counting", func(args map[string]string) (Plugin, error) {
		called++
		return &LogFilePlugin{path: args["path"]}, nil
	})
	p, err := r.New(model.OutputPluginDescriptor{PluginName: "Counting", Args: map[string]string{"path": "x"}})
	require.NoError(t, err)
	require.Equal(t, "x", p.(*LogFilePlugin).path)
	require.Equal(t, 1, called)
}

func readLines(t *testing.T, path string) []map[string]any {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		out = append(out, line)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLogFilePlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.log")
	p, err := NewLogFilePlugin(map[string]string{"path": path})
	require.NoError(t, err)

	err = p.ProcessResponses(context.Background(), testFlow(), testResults(t, wrapperspb.String("one"), wrapperspb.String("two")))
	require.NoError(t, err)

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	require.Equal(t, "one", lines[0]["data"])
	require.Equal(t, "two", lines[1]["data"])
	require.Equal(t, "ABCDEF0123456789", lines[0]["flow_id"])
	require.Equal(t, float64(1), lines[1]["index"])
}

func TestLogFilePluginField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.log")
	p, err := NewLogFilePlugin(map[string]string{"path": path, "field": "$.pid"})
	require.NoError(t, err)

	s, err := structpb.NewStruct(map[string]any{"pid": 42, "name": "init"})
	require.NoError(t, err)
	require.NoError(t, p.ProcessResponses(context.Background(), testFlow(), testResults(t, s)))

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, float64(42), lines[0]["data"])
}

func TestLogFilePluginArgs(t *testing.T) {
	_, err := NewLogFilePlugin(nil)
	require.Error(t, err)
	_, err = NewLogFilePlugin(map[string]string{"path": "x", "field": "pid"})
	require.Error(t, err)
}

func TestJavaScriptPlugin(t *testing.T) {
	script := `
function process(flow, results) {
	if (flow.flow_class_name !== "ListProcesses") {
		throw new Error("unexpected flow " + flow.flow_class_name);
	}
	if (results.length !== 2 || results[1] !== "two") {
		throw new Error("unexpected results " + JSON.stringify(results));
	}
	log("processed " + results.length);
}`
	p, err := NewJavaScriptPlugin(map[string]string{"script": script})
	require.NoError(t, err)
	require.NoError(t, p.ProcessResponses(context.Background(), testFlow(), testResults(t, wrapperspb.String("one"), wrapperspb.String("two"))))
}

func TestJavaScriptPluginFailure(t *testing.T) {
	p, err := NewJavaScriptPlugin(map[string]string{"script": `function process(flow, results) { throw new Error("Oh no!"); }`})
	require.NoError(t, err)
	err = p.ProcessResponses(context.Background(), testFlow(), testResults(t, wrapperspb.String("one")))
	require.ErrorContains(t, err, "Oh no!")

	p, err = NewJavaScriptPlugin(map[string]string{"script": `var x = 1;`})
	require.NoError(t, err)
	require.Error(t, p.ProcessResponses(context.Background(), testFlow(), nil))
}

func TestJavaScriptPluginArgs(t *testing.T) {
	_, err := NewJavaScriptPlugin(map[string]string{})
	require.Error(t, err)
	_, err = NewJavaScriptPlugin(map[string]string{"script": "function ("})
	require.Error(t, err)
}

func TestLogFileFactoryResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	factory := LogFileFactory(dir)

	p, err := factory(map[string]string{"path": "results.log"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "results.log"), p.(*LogFilePlugin).path)

	p, err = factory(map[string]string{"path": "../../escape.log"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.log"), p.(*LogFilePlugin).path)

	abs := filepath.Join(t.TempDir(), "abs.log")
	p, err = factory(map[string]string{"path": abs})
	require.NoError(t, err)
	require.Equal(t, abs, p.(*LogFilePlugin).path)
}
