package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/metrics"
	"github.com/mohitkumar/fleetflow/model"
)

// runOutputPlugins hands the results of a terminated flow to each of its
// plugins. Outcomes land in the flow log and never change the flow state.
func (s *FlowService) runOutputPlugins(ctx context.Context, flow *model.Flow, results []*model.FlowResult) {
	if len(results) == 0 || len(flow.OutputPlugins) == 0 {
		return
	}
	for _, desc := range flow.OutputPlugins {
		var message string
		if err := s.runOutputPlugin(ctx, flow, desc, results); err != nil {
			metrics.OutputPluginFailures.WithLabelValues(desc.PluginName).Inc()
			logger.Warn("output plugin failed", zap.String("client_id", flow.ClientId), zap.String("flow_id", flow.FlowId), zap.String("plugin", desc.PluginName), zap.Error(err))
			message = fmt.Sprintf("Plugin %s failed to process %d replies due to: %s", desc.PluginName, len(results), err)
		} else {
			message = fmt.Sprintf("Plugin %s successfully processed %d flow replies.", desc.PluginName, len(results))
		}
		entry := &model.FlowLogEntry{
			ClientId:  flow.ClientId,
			FlowId:    flow.FlowId,
			Message:   message,
			Timestamp: s.clock(),
		}
		if err := s.store.WriteFlowLogEntry(ctx, entry); err != nil {
			logger.Error("error writing flow log", zap.String("client_id", flow.ClientId), zap.String("flow_id", flow.FlowId), zap.Error(err))
		}
	}
}

func (s *FlowService) runOutputPlugin(ctx context.Context, flow *model.Flow, desc model.OutputPluginDescriptor, results []*model.FlowResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	plugin, err := s.plugins.New(desc)
	if err != nil {
		return err
	}
	return plugin.ProcessResponses(ctx, flow, results)
}
