package outputplugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LogFilePluginName = "LogFileOutputPlugin"

// LogFilePlugin appends one JSON line per result to a file. With a field
// argument only the value at that JSONPath is written.
type LogFilePlugin struct {
	path  string
	field string
}

func NewLogFilePlugin(args map[string]string) (Plugin, error) {
	return newLogFilePlugin("", args)
}

// LogFileFactory resolves relative path arguments against dir.
func LogFileFactory(dir string) Factory {
	return func(args map[string]string) (Plugin, error) {
		return newLogFilePlugin(dir, args)
	}
}

func newLogFilePlugin(dir string, args map[string]string) (Plugin, error) {
	path := args["path"]
	if path == "" {
		return nil, fmt.Errorf("%s requires a path argument", LogFilePluginName)
	}
	if dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, filepath.Clean(string(filepath.Separator)+path))
	}
	field := args["field"]
	if field != "" {
		if _, err := jsonpath.Compile(field); err != nil {
			return nil, fmt.Errorf("invalid field expression %q: %w", field, err)
		}
	}
	return &LogFilePlugin{path: path, field: field}, nil
}

func (p *LogFilePlugin) ProcessResponses(ctx context.Context, flow *model.Flow, results []*model.FlowResult) error {
	logFile, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), zapcore.InfoLevel)
	out := zap.New(core)

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := resultValue(r)
		if err != nil {
			return err
		}
		if p.field != "" {
			value, err = jsonpath.JsonPathLookup(value, p.field)
			if err != nil {
				return fmt.Errorf("result %d: %w", r.Index, err)
			}
		}
		out.Info("result",
			zap.String("client_id", flow.ClientId),
			zap.String("flow_id", flow.FlowId),
			zap.String("flow", flow.FlowClassName),
			zap.Uint64("index", r.Index),
			zap.Any("data", value))
	}
	return out.Sync()
}
