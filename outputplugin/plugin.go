// Package outputplugin post-processes the results of a finished flow.
package outputplugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/util"
)

// Plugin receives every result of a flow once the flow is terminal.
type Plugin interface {
	ProcessResponses(ctx context.Context, flow *model.Flow, results []*model.FlowResult) error
}

type Factory func(args map[string]string) (Plugin, error)

type UnknownOutputPluginError struct {
	Name string
}

func (e UnknownOutputPluginError) Error() string {
	return fmt.Sprintf("unknown output plugin %s", e.Name)
}

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the built in plugins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LogFilePluginName, NewLogFilePlugin)
	r.Register(JavaScriptPluginName, NewJavaScriptPlugin)
	return r
}

// Register replaces any factory already registered under name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) New(desc model.OutputPluginDescriptor) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[desc.PluginName]
	r.mu.RUnlock()
	if !ok {
		return nil, UnknownOutputPluginError{Name: desc.PluginName}
	}
	return factory(desc.Args)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resultValue decodes a stored result into plain Go values.
func resultValue(r *model.FlowResult) (any, error) {
	if r.Payload == nil {
		return nil, nil
	}
	m, err := r.Payload.Unpack()
	if err != nil {
		return nil, fmt.Errorf("result %d of flow %s: %w", r.Index, r.FlowId, err)
	}
	return util.ProtoToValue(m)
}

func flowValue(f *model.Flow) map[string]any {
	return map[string]any{
		"client_id":       f.ClientId,
		"flow_id":         f.FlowId,
		"flow_class_name": f.FlowClassName,
		"creator":         f.Creator,
		"flow_state":      string(f.FlowState),
		"error_message":   f.ErrorMessage,
	}
}
