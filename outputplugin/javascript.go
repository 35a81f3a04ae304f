package outputplugin

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"go.uber.org/zap"
)

const JavaScriptPluginName = "JavaScriptOutputPlugin"

// JavaScriptPlugin runs a script defining process(flow, results). Throwing
// from the script fails the plugin.
type JavaScriptPlugin struct {
	script string
}

func NewJavaScriptPlugin(args map[string]string) (Plugin, error) {
	script := args["script"]
	if len(script) == 0 {
		return nil, fmt.Errorf("%s requires a script argument", JavaScriptPluginName)
	}
	if _, err := goja.Compile(JavaScriptPluginName, script, false); err != nil {
		return nil, fmt.Errorf("error compiling javascript %w", err)
	}
	return &JavaScriptPlugin{script: script}, nil
}

func (p *JavaScriptPlugin) ProcessResponses(ctx context.Context, flow *model.Flow, results []*model.FlowResult) error {
	values := make([]any, 0, len(results))
	for _, r := range results {
		v, err := resultValue(r)
		if err != nil {
			return err
		}
		values = append(values, v)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.Set("log", func(msg string) {
		logger.Info("output plugin script", zap.String("flow_id", flow.FlowId), zap.String("message", msg))
	})
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunString(p.script); err != nil {
		return fmt.Errorf("error executing javascript %w", err)
	}
	process, ok := goja.AssertFunction(vm.Get("process"))
	if !ok {
		return fmt.Errorf("script does not define a process function")
	}
	if _, err := process(goja.Undefined(), vm.ToValue(flowValue(flow)), vm.ToValue(values)); err != nil {
		return fmt.Errorf("error executing javascript %w", err)
	}
	return nil
}
