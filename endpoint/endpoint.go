// Package endpoint is the client side of the frontend: it polls for client
// action messages, runs the registered actions and sends their replies back.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/mohitkumar/fleetflow/frontend"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/util"
)

// Action runs one client action. args is nil when the request carried none.
type Action func(ctx context.Context, args proto.Message) ([]proto.Message, error)

type Config struct {
	ClientId                 string
	PollInterval             time.Duration
	MaxMessages              int
	MaxRetryBeforeResultPush int
	RetryInterval            time.Duration
}

type Endpoint struct {
	conf    Config
	client  *frontend.FrontendClient
	mu      sync.RWMutex
	actions map[string]Action
	tick    *util.TickWorker
	wg      sync.WaitGroup
}

func New(conf Config, cc grpc.ClientConnInterface) *Endpoint {
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}
	if conf.MaxRetryBeforeResultPush <= 0 {
		conf.MaxRetryBeforeResultPush = 3
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = time.Second
	}
	e := &Endpoint{
		conf:    conf,
		client:  frontend.NewFrontendClient(cc),
		actions: make(map[string]Action),
	}
	e.tick = util.NewTickWorker("endpoint-poller", conf.PollInterval, make(chan struct{}), func() {
		if _, err := e.PollOnce(context.Background()); err != nil {
			logger.Error("error polling frontend", zap.String("client_id", e.conf.ClientId), zap.Error(err))
		}
	}, &e.wg)
	return e
}

func (e *Endpoint) RegisterAction(name string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
}

func (e *Endpoint) Start() {
	e.tick.Start()
}

func (e *Endpoint) Stop() {
	e.tick.Stop()
	e.wg.Wait()
}

// PollOnce fetches pending messages, runs them and sends every reply. It
// returns the number of messages handled.
func (e *Endpoint) PollOnce(ctx context.Context) (int, error) {
	resp, err := e.client.Poll(ctx, &frontend.PollRequest{ClientId: e.conf.ClientId, MaxMessages: e.conf.MaxMessages})
	if err != nil {
		return 0, err
	}
	for _, msg := range resp.Messages {
		replies := e.execute(ctx, msg)
		if err := e.sendResponse(ctx, replies); err != nil {
			logger.Error("error sending client action replies", zap.String("client_id", e.conf.ClientId), zap.String("flow_id", msg.FlowId), zap.String("action", msg.Name), zap.Error(err))
		}
	}
	return len(resp.Messages), nil
}

func (e *Endpoint) execute(ctx context.Context, msg *model.Message) []*model.Message {
	start := time.Now()
	e.mu.RLock()
	action, ok := e.actions[msg.Name]
	e.mu.RUnlock()
	if !ok {
		return []*model.Message{reply(msg, 1, nil, failed(fmt.Sprintf("unknown action %s", msg.Name), start))}
	}

	var args proto.Message
	if msg.Payload != nil {
		var err error
		if args, err = msg.Payload.Unpack(); err != nil {
			return []*model.Message{reply(msg, 1, nil, failed(err.Error(), start))}
		}
	}
	if msg.RuntimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.RuntimeLimit)
		defer cancel()
	}
	values, err := action(ctx, args)
	if err != nil {
		return []*model.Message{reply(msg, 1, nil, failed(err.Error(), start))}
	}

	out := make([]*model.Message, 0, len(values)+1)
	var sent uint64
	for _, v := range values {
		payload, err := model.NewPayload(v)
		if err != nil {
			return append(out, reply(msg, uint64(len(out)+1), nil, failed(err.Error(), start)))
		}
		sent += uint64(len(payload.Value))
		out = append(out, reply(msg, uint64(len(out)+1), payload, nil))
	}
	st := &model.Status{Status: model.STATUS_OK, Runtime: time.Since(start), NetworkBytesSent: sent}
	return append(out, reply(msg, uint64(len(out)+1), nil, st))
}

func failed(msg string, start time.Time) *model.Status {
	return &model.Status{Status: model.STATUS_GENERIC_ERROR, ErrorMessage: msg, Runtime: time.Since(start)}
}

func reply(msg *model.Message, responseId uint64, payload *model.Payload, st *model.Status) *model.Message {
	out := &model.Message{
		ClientId:   msg.ClientId,
		FlowId:     msg.FlowId,
		RequestId:  msg.RequestId,
		ResponseId: responseId,
		Type:       model.MESSAGE,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
	if st != nil {
		out.Type = model.STATUS
		out.Status = st
	}
	return out
}

func (e *Endpoint) sendResponse(ctx context.Context, replies []*model.Message) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.conf.RetryInterval), uint64(e.conf.MaxRetryBeforeResultPush))
	return backoff.Retry(func() error {
		_, err := e.client.Send(ctx, &frontend.SendRequest{ClientId: e.conf.ClientId, Messages: replies})
		if status.Code(err) == codes.InvalidArgument {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
