package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/metrics"
	"github.com/mohitkumar/fleetflow/model"
)

// runner resumes one leased flow. flow is the latest record, committed
// except for usage accounted ahead of a limit check.
type runner struct {
	svc   *FlowService
	ctx   context.Context
	class *FlowClass
	flow  *model.Flow
	token string
	now   time.Time
	// relay hands a child's outcome to its parent when it terminates.
	relay bool
}

func (s *FlowService) newRunner(ctx context.Context, class *FlowClass, flow *model.Flow, token string) *runner {
	return &runner{
		svc:   s,
		ctx:   ctx,
		class: class,
		flow:  flow,
		token: token,
		now:   s.clock(),
		relay: true,
	}
}

func (r *runner) fields() []zap.Field {
	return []zap.Field{zap.String("client_id", r.flow.ClientId), zap.String("flow_id", r.flow.FlowId)}
}

// invoke runs one handler and commits its effects together with the flow
// record. A failing handler leaves the flow in ERROR instead. The returned
// error is a storage failure.
func (r *runner) invoke(run func(fc *Context) error) (bool, error) {
	args, err := r.class.decodeArgs(r.flow.Args)
	if err != nil {
		return false, r.fail(errors.Wrap(err, "decoding flow args"))
	}
	fc := &Context{
		ctx:    r.ctx,
		svc:    r.svc,
		class:  r.class,
		flow:   r.flow.Copy(),
		args:   args,
		now:    r.now,
		update: &model.FlowUpdate{LeaseToken: r.token},
	}
	if err := callHandler(fc, run); err != nil {
		return false, r.fail(err)
	}
	fc.flow.LastUpdateTime = r.now
	fc.update.Flow = fc.flow
	if err := r.svc.store.UpdateFlow(r.ctx, fc.update); err != nil {
		return false, err
	}
	r.flow = fc.flow
	metrics.FlowResumptions.Inc()
	return true, nil
}

func callHandler(fc *Context, run func(fc *Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if pe, ok := p.(error); ok {
				err = errors.WithStack(pe)
			} else {
				err = errors.New(fmt.Sprint(p))
			}
		}
	}()
	if err := run(fc); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// fail moves the flow to ERROR with the error's message and stack.
func (r *runner) fail(err error) error {
	logger.Warn("flow handler failed", append(r.fields(), zap.Error(err))...)
	return r.terminate(model.ERROR, err.Error(), fmt.Sprintf("%+v", err))
}

func (r *runner) terminate(state model.FlowState, message string, backtrace string) error {
	if !r.flow.FlowState.CanTransitionTo(state) {
		return nil
	}
	done := r.flow.Copy()
	done.FlowState = state
	done.ErrorMessage = message
	done.Backtrace = backtrace
	done.LastUpdateTime = r.now
	update := &model.FlowUpdate{Flow: done, LeaseToken: r.token}
	if r.relay && done.IsChild() {
		if err := r.svc.relayToParent(r.ctx, done, update); err != nil {
			return err
		}
	}
	if err := r.svc.store.UpdateFlow(r.ctx, update); err != nil {
		return err
	}
	r.flow = done
	logger.Info("flow state changed", append(r.fields(), zap.String("state", string(state)), zap.String("reason", message))...)
	return nil
}

func (r *runner) start() error {
	_, err := r.invoke(func(fc *Context) error {
		fc.flow.CurrentState = "Start"
		return r.class.Start(fc)
	})
	return err
}

// process runs every handler that is ready. It reports whether any request
// was handled.
func (r *runner) process() (bool, error) {
	rrs, err := r.svc.store.ReadFlowRequestsAndResponses(r.ctx, r.flow.ClientId, r.flow.FlowId)
	if err != nil {
		return false, err
	}
	processed := false

	for _, rr := range rrs {
		if r.flow.FlowState != model.RUNNING {
			return processed, nil
		}
		request := rr.Request
		if request.CallbackState == "" || rr.StatusResponse() != nil || !request.ReadyAt(r.now) {
			continue
		}
		batch, next := rr.IncrementalBatch()
		if len(batch) == 0 {
			continue
		}
		processed = true
		updated := request.Copy()
		updated.NextResponseId = next
		if _, err := r.invoke(func(fc *Context) error {
			fn, err := r.class.state(request.CallbackState)
			if err != nil {
				return err
			}
			fc.update.UpdatedRequests = append(fc.update.UpdatedRequests, updated)
			return fn(fc, newResponses(request, batch, nil))
		}); err != nil {
			return processed, err
		}
	}

	byId := make(map[uint64]*model.RequestAndResponses, len(rrs))
	for _, rr := range rrs {
		byId[rr.Request.RequestId] = rr
	}
	for r.flow.FlowState == model.RUNNING {
		rr, ok := byId[r.flow.NextRequestToProcess]
		if !ok || !rr.IsComplete() || !rr.Request.ReadyAt(r.now) {
			break
		}
		processed = true
		request := rr.Request
		status := rr.StatusResponse()

		accounted := r.flow.Copy()
		accountUsage(accounted, status.Status)
		r.flow = accounted
		if err := checkLimits(r.flow); err != nil {
			return processed, r.limitExceeded(err)
		}
		if status.Status != nil && status.Status.Status == model.STATUS_CLIENT_KILLED {
			return processed, r.crash(status.Status)
		}

		responses := newResponses(request, rr.DataResponses(), status)
		if _, err := r.invoke(func(fc *Context) error {
			fn, err := r.class.state(request.NextState)
			if err != nil {
				return err
			}
			fc.flow.CurrentState = request.NextState
			fc.flow.NextRequestToProcess = request.RequestId + 1
			fc.update.ProcessedRequests = append(fc.update.ProcessedRequests, request.RequestId)
			return fn(fc, responses)
		}); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

func (r *runner) limitExceeded(err error) error {
	var limitErr ResourceLimitExceededError
	if errors.As(err, &limitErr) {
		metrics.ResourceLimitBreaches.WithLabelValues(limitErr.Limit).Inc()
	}
	logger.Warn("flow exceeded resource limit", append(r.fields(), zap.Error(err))...)
	return r.terminate(model.ERROR, err.Error(), "")
}

// crash ends the flow in CRASHED when the client died running its action.
func (r *runner) crash(status *model.Status) error {
	message := status.ErrorMessage
	if message == "" {
		message = "Client killed during transaction"
	}
	logger.Warn("client crashed running flow action", append(r.fields(), zap.String("reason", message))...)
	return r.terminate(model.CRASHED, message, status.Backtrace)
}

// settle finishes a quiescent flow and runs terminal handling once the flow
// is terminal.
func (r *runner) settle() error {
	if r.flow.FlowState == model.RUNNING {
		if r.flow.HasOutstandingRequests() {
			return nil
		}
		if err := r.terminate(model.FINISHED, "", ""); err != nil {
			return err
		}
	}
	return r.svc.finish(r.ctx, r.flow)
}
