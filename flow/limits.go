package flow

import (
	"fmt"

	"github.com/mohitkumar/fleetflow/model"
)

const (
	cpuLimit     = "cpu"
	networkLimit = "network"
	runtimeLimit = "runtime"
)

// accountUsage adds the usage a status reports to the flow's running totals.
func accountUsage(flow *model.Flow, status *model.Status) {
	if status == nil {
		return
	}
	flow.CpuTimeUsed.Add(status.CpuTimeUsed)
	flow.NetworkBytesSent += status.NetworkBytesSent
	flow.RuntimeUsed += status.Runtime
}

// checkLimits fails once usage is strictly above a configured limit.
func checkLimits(flow *model.Flow) error {
	limits := flow.RunnerArgs
	if limits.CpuLimit > 0 && flow.CpuTimeUsed.Total() > limits.CpuLimit {
		return cpuExceeded(flow)
	}
	if limits.NetworkBytesLimit > 0 && flow.NetworkBytesSent > limits.NetworkBytesLimit {
		return networkExceeded(flow)
	}
	if limits.RuntimeLimit > 0 && flow.RuntimeUsed > limits.RuntimeLimit {
		return runtimeExceeded(flow)
	}
	return nil
}

// remainingLimits is what is left of each configured budget. Unset limits
// stay zero. An exhausted budget is an error so no new work is issued.
func remainingLimits(flow *model.Flow) (model.RunnerArgs, error) {
	var out model.RunnerArgs
	limits := flow.RunnerArgs
	if limits.CpuLimit > 0 {
		out.CpuLimit = limits.CpuLimit - flow.CpuTimeUsed.Total()
		if out.CpuLimit <= 0 {
			return out, cpuExceeded(flow)
		}
	}
	if limits.NetworkBytesLimit > 0 {
		if flow.NetworkBytesSent >= limits.NetworkBytesLimit {
			return out, networkExceeded(flow)
		}
		out.NetworkBytesLimit = limits.NetworkBytesLimit - flow.NetworkBytesSent
	}
	if limits.RuntimeLimit > 0 {
		out.RuntimeLimit = limits.RuntimeLimit - flow.RuntimeUsed
		if out.RuntimeLimit <= 0 {
			return out, runtimeExceeded(flow)
		}
	}
	return out, nil
}

func cpuExceeded(flow *model.Flow) error {
	return ResourceLimitExceededError{
		Limit:   cpuLimit,
		Message: fmt.Sprintf("CPU limit exceeded. Used %g of %g seconds.", flow.CpuTimeUsed.Total(), flow.RunnerArgs.CpuLimit),
	}
}

func networkExceeded(flow *model.Flow) error {
	return ResourceLimitExceededError{
		Limit:   networkLimit,
		Message: fmt.Sprintf("Network bytes limit exceeded. Sent %d of %d bytes.", flow.NetworkBytesSent, flow.RunnerArgs.NetworkBytesLimit),
	}
}

func runtimeExceeded(flow *model.Flow) error {
	return ResourceLimitExceededError{
		Limit:   runtimeLimit,
		Message: fmt.Sprintf("Runtime limit exceeded. Used %s of %s.", flow.RuntimeUsed, flow.RunnerArgs.RuntimeLimit),
	}
}
