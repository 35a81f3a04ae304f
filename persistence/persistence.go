package persistence

import (
	"context"
	"time"

	"github.com/mohitkumar/fleetflow/model"
)

type FlowStore interface {
	// CreateFlow fails with DuplicateFlowIdError when the id is taken and
	// with UnknownClientError when the client was never written.
	CreateFlow(ctx context.Context, flow *model.Flow) error
	ReadFlowObject(ctx context.Context, clientId string, flowId string) (*model.Flow, error)
	ReadChildFlowObjects(ctx context.Context, clientId string, parentFlowId string) ([]*model.Flow, error)
	ReadAllFlowObjects(ctx context.Context, clientId string) ([]*model.Flow, error)

	// UpdateFlow applies every part of update or none of it.
	UpdateFlow(ctx context.Context, update *model.FlowUpdate) error

	// LeaseFlowForProcessing grants owner exclusive processing rights for
	// ttl and returns the current flow record. A lease held by another owner
	// yields ErrFlowLeased. Re-leasing by the same owner extends it.
	LeaseFlowForProcessing(ctx context.Context, clientId string, flowId string, owner string, ttl time.Duration) (*model.Flow, error)
	ReleaseProcessedFlow(ctx context.Context, clientId string, flowId string, owner string) error

	WriteFlowRequests(ctx context.Context, requests []*model.Request) error
	// WriteFlowResponses ignores responses whose key is already stored.
	WriteFlowResponses(ctx context.Context, responses []*model.Response) error
	// ReadFlowRequestsAndResponses returns outstanding requests ordered by
	// request id, each with its responses ordered by response id.
	ReadFlowRequestsAndResponses(ctx context.Context, clientId string, flowId string) ([]*model.RequestAndResponses, error)
	// ReadFlowResponses returns responses of one request with id >= fromResponseId.
	ReadFlowResponses(ctx context.Context, clientId string, flowId string, requestId uint64, fromResponseId uint64) ([]*model.Response, error)

	ReadFlowResults(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowResult, error)

	WriteFlowLogEntry(ctx context.Context, entry *model.FlowLogEntry) error
	ReadFlowLogEntries(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowLogEntry, error)
}

type ScheduledFlowStore interface {
	WriteScheduledFlow(ctx context.Context, sf *model.ScheduledFlow) error
	// ReadScheduledFlows returns the flows scheduled by creator on a client
	// oldest first.
	ReadScheduledFlows(ctx context.Context, clientId string, creator string) ([]*model.ScheduledFlow, error)
	DeleteScheduledFlow(ctx context.Context, clientId string, creator string, scheduledFlowId string) error
}

type ClientStore interface {
	WriteClient(ctx context.Context, client *model.Client) error
	ReadClient(ctx context.Context, clientId string) (*model.Client, error)
}

type UserStore interface {
	WriteUser(ctx context.Context, username string) error
	ReadUser(ctx context.Context, username string) (*model.User, error)
	WriteUserNotification(ctx context.Context, n *model.UserNotification) error
	ReadUserNotifications(ctx context.Context, username string) ([]*model.UserNotification, error)
}

type ClientMessageQueue interface {
	WriteClientMessages(ctx context.Context, messages []*model.Message) error
	PopClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error)
}

type ProcessingQueue interface {
	WriteFlowProcessingRequests(ctx context.Context, requests []*model.FlowProcessingRequest) error
	// PopFlowProcessingRequests removes and returns up to limit requests of
	// partition whose delivery time is not after due.
	PopFlowProcessingRequests(ctx context.Context, partition int, due time.Time, limit int) ([]*model.FlowProcessingRequest, error)
}

type Store interface {
	FlowStore
	ScheduledFlowStore
	ClientStore
	UserStore
	ClientMessageQueue
	ProcessingQueue
	Close() error
}
