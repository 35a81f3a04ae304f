package worker

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/cache"
	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/metrics"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/util"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultConcurrency  = 32
	defaultRetryDelay   = 2 * time.Second
	defaultTerminalTTL  = 30 * time.Minute
)

type Processor interface {
	ProcessFlow(ctx context.Context, fpr *model.FlowProcessingRequest) (model.FlowState, error)
}

type PartitionOwner interface {
	GetPartitions() []int
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// RetryDelay is how long a request for a flow leased by another process
	// waits before it is delivered again.
	RetryDelay  time.Duration
	TerminalTTL time.Duration
	Clock       func() time.Time
}

// Worker drains the processing queue partitions owned by this node and runs
// flow resumptions on a bounded pool. At most one resumption per flow runs
// at a time.
type Worker struct {
	conf       Config
	processor  Processor
	queue      persistence.ProcessingQueue
	partitions PartitionOwner
	states     *cache.FlowStateCache
	pool       pond.Pool
	tick       *util.TickWorker
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	mu sync.Mutex
	// inFlight holds the flows being processed. The value is set when
	// another request for the flow arrived during the run.
	inFlight map[string]bool
}

func NewWorker(conf Config, processor Processor, queue persistence.ProcessingQueue, partitions PartitionOwner) *Worker {
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = defaultBatchSize
	}
	if conf.Concurrency <= 0 {
		conf.Concurrency = defaultConcurrency
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = defaultRetryDelay
	}
	if conf.TerminalTTL <= 0 {
		conf.TerminalTTL = defaultTerminalTTL
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		conf:       conf,
		processor:  processor,
		queue:      queue,
		partitions: partitions,
		states:     cache.NewFlowStateCache(conf.TerminalTTL),
		pool:       pond.NewPool(conf.Concurrency),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[string]bool),
	}
	w.tick = util.NewTickWorker("flow-processing-poller", conf.PollInterval, make(chan struct{}), w.Poll, &w.wg)
	return w
}

func (w *Worker) Start() error {
	w.tick.Start()
	return nil
}

func (w *Worker) Stop() error {
	logger.Info("stopping flow worker")
	w.tick.Stop()
	w.wg.Wait()
	w.pool.StopAndWait()
	w.cancel()
	return nil
}

// Poll pops the due requests of every owned partition and dispatches them.
func (w *Worker) Poll() {
	now := w.conf.Clock()
	for _, partition := range w.partitions.GetPartitions() {
		requests, err := w.queue.PopFlowProcessingRequests(w.ctx, partition, now, w.conf.BatchSize)
		if err != nil {
			logger.Error("error reading flow processing requests", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		for _, fpr := range requests {
			w.dispatch(fpr)
		}
	}
}

func (w *Worker) dispatch(fpr *model.FlowProcessingRequest) {
	key := fpr.Key()
	if w.states.IsTerminal(key) {
		logger.Debug("dropping request for finished flow", zap.String("client_id", fpr.ClientId), zap.String("flow_id", fpr.FlowId))
		return
	}
	w.mu.Lock()
	if _, ok := w.inFlight[key]; ok {
		w.inFlight[key] = true
		w.mu.Unlock()
		return
	}
	w.inFlight[key] = false
	w.mu.Unlock()

	metrics.WorkerQueueDepth.Inc()
	w.pool.Submit(func() {
		w.run(fpr)
	})
}

func (w *Worker) run(fpr *model.FlowProcessingRequest) {
	key := fpr.Key()
	defer metrics.WorkerQueueDepth.Dec()
	recheck := false
	for {
		state, err := w.processor.ProcessFlow(w.ctx, fpr)
		w.handleResult(fpr, state, err, recheck)

		w.mu.Lock()
		again := w.inFlight[key] && !w.states.IsTerminal(key)
		if !again {
			delete(w.inFlight, key)
			w.mu.Unlock()
			return
		}
		w.inFlight[key] = false
		w.mu.Unlock()
		recheck = true
	}
}

func (w *Worker) handleResult(fpr *model.FlowProcessingRequest, state model.FlowState, err error, recheck bool) {
	if state.IsTerminal() {
		w.states.SaveFlowState(fpr.Key(), state)
	}
	switch {
	case err == nil:
	case errors.Is(err, flow.ErrFlowHasNothingToProcess):
		if recheck || state.IsTerminal() {
			return
		}
		metrics.NothingToProcess.Inc()
		logger.Warn("flow has nothing to process", zap.String("client_id", fpr.ClientId), zap.String("flow_id", fpr.FlowId))
	case errors.Is(err, persistence.ErrFlowLeased):
		retry := *fpr
		retry.DeliveryTime = w.conf.Clock().Add(w.conf.RetryDelay)
		if err := w.queue.WriteFlowProcessingRequests(w.ctx, []*model.FlowProcessingRequest{&retry}); err != nil {
			logger.Error("error re-queueing leased flow", zap.String("client_id", fpr.ClientId), zap.String("flow_id", fpr.FlowId), zap.Error(err))
		}
	default:
		logger.Error("error processing flow", zap.String("client_id", fpr.ClientId), zap.String("flow_id", fpr.FlowId), zap.Error(err))
	}
}

func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}
