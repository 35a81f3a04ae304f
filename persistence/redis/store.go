package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/util"
)

const (
	CLIENT_KEY       string = "CLIENT"
	USER_KEY         string = "USER"
	NOTIFICATION_KEY string = "NOTIFICATION"
	FLOW_KEY         string = "FLOW"
	CHILDREN_KEY     string = "CHILDREN"
	REQUEST_KEY      string = "REQUEST"
	RESPONSE_KEY     string = "RESPONSE"
	RESULT_KEY       string = "RESULT"
	LOG_KEY          string = "LOG"
	LEASE_KEY        string = "LEASE"
	SCHEDULED_KEY    string = "SCHEDULED"
	CLIENT_QUEUE_KEY string = "CLIENT_QUEUE"
	PROCESSING_KEY   string = "PROCESSING"
)

const (
	leaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`
	leaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
	// popDueLua removes and returns up to ARGV[2] members scored at or below
	// ARGV[1]. A negative count pops everything due.
	popDueLua = `
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`
)

var _ persistence.Store = new(Store)

// Store keeps flows in hashes keyed by client, requests and responses in
// per flow hashes, queues in lists and the processing queue in one sorted
// set per partition scored by delivery time.
type Store struct {
	*baseDao
	flowEnc         util.EncoderDecoder[model.Flow]
	requestEnc      util.EncoderDecoder[model.Request]
	responseEnc     util.EncoderDecoder[model.Response]
	resultEnc       util.EncoderDecoder[model.FlowResult]
	logEnc          util.EncoderDecoder[model.FlowLogEntry]
	scheduledEnc    util.EncoderDecoder[model.ScheduledFlow]
	clientEnc       util.EncoderDecoder[model.Client]
	userEnc         util.EncoderDecoder[model.User]
	notificationEnc util.EncoderDecoder[model.UserNotification]
	messageEnc      util.EncoderDecoder[model.Message]
	processingEnc   util.EncoderDecoder[model.FlowProcessingRequest]
}

func NewStore(conf Config) *Store {
	return newStore(newBaseDao(conf))
}

// NewStoreWithClient builds a store on an existing connection.
func NewStoreWithClient(client rd.UniversalClient, namespace string) *Store {
	return newStore(&baseDao{redisClient: client, namespace: namespace})
}

func newStore(dao *baseDao) *Store {
	return &Store{
		baseDao:         dao,
		flowEnc:         util.NewJsonEncoderDecoder[model.Flow](),
		requestEnc:      util.NewJsonEncoderDecoder[model.Request](),
		responseEnc:     util.NewJsonEncoderDecoder[model.Response](),
		resultEnc:       util.NewJsonEncoderDecoder[model.FlowResult](),
		logEnc:          util.NewJsonEncoderDecoder[model.FlowLogEntry](),
		scheduledEnc:    util.NewJsonEncoderDecoder[model.ScheduledFlow](),
		clientEnc:       util.NewJsonEncoderDecoder[model.Client](),
		userEnc:         util.NewJsonEncoderDecoder[model.User](),
		notificationEnc: util.NewJsonEncoderDecoder[model.UserNotification](),
		messageEnc:      util.NewJsonEncoderDecoder[model.Message](),
		processingEnc:   util.NewJsonEncoderDecoder[model.FlowProcessingRequest](),
	}
}

func (r *Store) Close() error {
	return r.redisClient.Close()
}

func idString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (r *Store) flowsKey(clientId string) string {
	return r.getNamespaceKey(FLOW_KEY, clientId)
}

func (r *Store) childrenKey(clientId string, flowId string) string {
	return r.getNamespaceKey(CHILDREN_KEY, clientId, flowId)
}

func (r *Store) requestsKey(clientId string, flowId string) string {
	return r.getNamespaceKey(REQUEST_KEY, clientId, flowId)
}

func (r *Store) responsesKey(clientId string, flowId string, requestId uint64) string {
	return r.getNamespaceKey(RESPONSE_KEY, clientId, flowId, idString(requestId))
}

func (r *Store) resultsKey(clientId string, flowId string) string {
	return r.getNamespaceKey(RESULT_KEY, clientId, flowId)
}

func (r *Store) logsKey(clientId string, flowId string) string {
	return r.getNamespaceKey(LOG_KEY, clientId, flowId)
}

func (r *Store) leaseKey(clientId string, flowId string) string {
	return r.getNamespaceKey(LEASE_KEY, clientId, flowId)
}

func (r *Store) scheduledKey(clientId string, creator string) string {
	return r.getNamespaceKey(SCHEDULED_KEY, clientId, creator)
}

func (r *Store) clientQueueKey(clientId string) string {
	return r.getNamespaceKey(CLIENT_QUEUE_KEY, clientId)
}

func (r *Store) processingKey(partition int) string {
	return r.getNamespaceKey(PROCESSING_KEY, strconv.Itoa(partition))
}

func (r *Store) requireHashField(ctx context.Context, key string, field string, missing error) error {
	ok, err := r.redisClient.HExists(ctx, key, field).Result()
	if err != nil {
		return r.storageError("HExists", key, err)
	}
	if !ok {
		return missing
	}
	return nil
}

func (r *Store) requireFlow(ctx context.Context, clientId string, flowId string) error {
	return r.requireHashField(ctx, r.flowsKey(clientId), flowId, persistence.UnknownFlowError{ClientId: clientId, FlowId: flowId})
}

func (r *Store) CreateFlow(ctx context.Context, flow *model.Flow) error {
	if err := r.requireHashField(ctx, r.getNamespaceKey(CLIENT_KEY), flow.ClientId, persistence.UnknownClientError{ClientId: flow.ClientId}); err != nil {
		return err
	}
	data, err := r.flowEnc.Encode(*flow)
	if err != nil {
		return err
	}
	key := r.flowsKey(flow.ClientId)
	created, err := r.redisClient.HSetNX(ctx, key, flow.FlowId, string(data)).Result()
	if err != nil {
		return r.storageError("HSetNX", key, err)
	}
	if !created {
		return persistence.DuplicateFlowIdError{ClientId: flow.ClientId, FlowId: flow.FlowId}
	}
	if flow.ParentFlowId != "" {
		childKey := r.childrenKey(flow.ClientId, flow.ParentFlowId)
		if err := r.redisClient.RPush(ctx, childKey, flow.FlowId).Err(); err != nil {
			return r.storageError("RPush", childKey, err)
		}
	}
	return nil
}

func (r *Store) ReadFlowObject(ctx context.Context, clientId string, flowId string) (*model.Flow, error) {
	key := r.flowsKey(clientId)
	data, err := r.redisClient.HGet(ctx, key, flowId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.UnknownFlowError{ClientId: clientId, FlowId: flowId}
		}
		return nil, r.storageError("HGet", key, err)
	}
	return r.flowEnc.Decode([]byte(data))
}

func (r *Store) ReadChildFlowObjects(ctx context.Context, clientId string, parentFlowId string) ([]*model.Flow, error) {
	if err := r.requireFlow(ctx, clientId, parentFlowId); err != nil {
		return nil, err
	}
	childKey := r.childrenKey(clientId, parentFlowId)
	ids, err := r.redisClient.LRange(ctx, childKey, 0, -1).Result()
	if err != nil {
		return nil, r.storageError("LRange", childKey, err)
	}
	out := make([]*model.Flow, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	key := r.flowsKey(clientId)
	values, err := r.redisClient.HMGet(ctx, key, ids...).Result()
	if err != nil {
		return nil, r.storageError("HMGet", key, err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := r.flowEnc.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Store) ReadAllFlowObjects(ctx context.Context, clientId string) ([]*model.Flow, error) {
	key := r.flowsKey(clientId)
	all, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.storageError("HGetAll", key, err)
	}
	out := make([]*model.Flow, 0, len(all))
	for _, data := range all {
		f, err := r.flowEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].FlowId < out[j].FlowId
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (r *Store) UpdateFlow(ctx context.Context, update *model.FlowUpdate) error {
	flow := update.Flow
	if err := r.requireFlow(ctx, flow.ClientId, flow.FlowId); err != nil {
		return err
	}
	data, err := r.flowEnc.Encode(*flow)
	if err != nil {
		return err
	}
	flowKey := r.flowsKey(flow.ClientId)
	queue := func(pipe rd.Pipeliner) error {
		return r.queueUpdate(ctx, pipe, flowKey, update, data)
	}
	if update.LeaseToken == "" {
		_, err = r.redisClient.TxPipelined(ctx, queue)
	} else {
		err = r.updateLeased(ctx, flow, update.LeaseToken, queue)
	}
	if err != nil {
		var storage persistence.StorageLayerError
		if errors.As(err, &storage) || errors.Is(err, persistence.ErrFlowLeased) {
			return err
		}
		return r.storageError("UpdateFlow", flowKey, err)
	}
	return nil
}

// updateLeased runs queue in a transaction that only commits while token
// still holds the flow's lease key.
func (r *Store) updateLeased(ctx context.Context, flow *model.Flow, token string, queue func(rd.Pipeliner) error) error {
	leaseKey := r.leaseKey(flow.ClientId, flow.FlowId)
	err := r.redisClient.Watch(ctx, func(tx *rd.Tx) error {
		owner, err := tx.Get(ctx, leaseKey).Result()
		if err == rd.Nil || (err == nil && owner != token) {
			return persistence.ErrFlowLeased
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, queue)
		return err
	}, leaseKey)
	if errors.Is(err, rd.TxFailedErr) {
		return persistence.ErrFlowLeased
	}
	return err
}

func (r *Store) queueUpdate(ctx context.Context, pipe rd.Pipeliner, flowKey string, update *model.FlowUpdate, data []byte) error {
	flow := update.Flow
	pipe.HSet(ctx, flowKey, flow.FlowId, string(data))
	if err := r.queueRequests(ctx, pipe, update.NewRequests); err != nil {
		return err
	}
	if err := r.queueRequests(ctx, pipe, update.UpdatedRequests); err != nil {
		return err
	}
	for _, id := range update.ProcessedRequests {
		pipe.HDel(ctx, r.requestsKey(flow.ClientId, flow.FlowId), idString(id))
		pipe.Del(ctx, r.responsesKey(flow.ClientId, flow.FlowId, id))
	}
	if err := r.queueResponses(ctx, pipe, update.Responses); err != nil {
		return err
	}
	for _, res := range update.Results {
		resData, err := r.resultEnc.Encode(*res)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, r.resultsKey(res.ClientId, res.FlowId), rdZ(float64(res.Index), resData))
	}
	for _, e := range update.LogEntries {
		ld, err := r.logEnc.Encode(*e)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, r.logsKey(e.ClientId, e.FlowId), string(ld))
	}
	if err := r.queueMessages(ctx, pipe, update.ClientMessages); err != nil {
		return err
	}
	return r.queueProcessingRequests(ctx, pipe, update.ProcessingRequests)
}

func rdZ(score float64, member []byte) rd.Z {
	return rd.Z{Score: score, Member: string(member)}
}

func evalInt(res interface{}) int64 {
	switch v := res.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (r *Store) LeaseFlowForProcessing(ctx context.Context, clientId string, flowId string, owner string, ttl time.Duration) (*model.Flow, error) {
	flow, err := r.ReadFlowObject(ctx, clientId, flowId)
	if err != nil {
		return nil, err
	}
	key := r.leaseKey(clientId, flowId)
	res, err := r.redisClient.Eval(ctx, leaseAcquireLua, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return nil, r.storageError("Eval", key, err)
	}
	if evalInt(res) != 1 {
		return nil, persistence.ErrFlowLeased
	}
	return flow, nil
}

func (r *Store) ReleaseProcessedFlow(ctx context.Context, clientId string, flowId string, owner string) error {
	key := r.leaseKey(clientId, flowId)
	if err := r.redisClient.Eval(ctx, leaseReleaseLua, []string{key}, owner).Err(); err != nil {
		return r.storageError("Eval", key, err)
	}
	return nil
}

func (r *Store) queueRequests(ctx context.Context, pipe rd.Pipeliner, requests []*model.Request) error {
	for _, req := range requests {
		data, err := r.requestEnc.Encode(*req)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, r.requestsKey(req.ClientId, req.FlowId), idString(req.RequestId), string(data))
	}
	return nil
}

func (r *Store) WriteFlowRequests(ctx context.Context, requests []*model.Request) error {
	for _, req := range requests {
		if err := r.requireFlow(ctx, req.ClientId, req.FlowId); err != nil {
			return err
		}
	}
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		return r.queueRequests(ctx, pipe, requests)
	})
	if err != nil {
		return r.storageError("WriteFlowRequests", REQUEST_KEY, err)
	}
	return nil
}

func (r *Store) queueResponses(ctx context.Context, pipe rd.Pipeliner, responses []*model.Response) error {
	for _, resp := range responses {
		data, err := r.responseEnc.Encode(*resp)
		if err != nil {
			return err
		}
		pipe.HSetNX(ctx, r.responsesKey(resp.ClientId, resp.FlowId, resp.RequestId), idString(resp.ResponseId), string(data))
	}
	return nil
}

func (r *Store) WriteFlowResponses(ctx context.Context, responses []*model.Response) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		return r.queueResponses(ctx, pipe, responses)
	})
	if err != nil {
		return r.storageError("WriteFlowResponses", RESPONSE_KEY, err)
	}
	return nil
}

func (r *Store) readResponses(ctx context.Context, clientId string, flowId string, requestId uint64, from uint64) ([]*model.Response, error) {
	key := r.responsesKey(clientId, flowId, requestId)
	all, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.storageError("HGetAll", key, err)
	}
	out := make([]*model.Response, 0, len(all))
	for _, data := range all {
		resp, err := r.responseEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		if resp.ResponseId >= from {
			out = append(out, resp)
		}
	}
	model.SortResponses(out)
	return out, nil
}

func (r *Store) ReadFlowRequestsAndResponses(ctx context.Context, clientId string, flowId string) ([]*model.RequestAndResponses, error) {
	if err := r.requireFlow(ctx, clientId, flowId); err != nil {
		return nil, err
	}
	key := r.requestsKey(clientId, flowId)
	all, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.storageError("HGetAll", key, err)
	}
	requests := make([]*model.Request, 0, len(all))
	for _, data := range all {
		req, err := r.requestEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].RequestId < requests[j].RequestId })
	out := make([]*model.RequestAndResponses, 0, len(requests))
	for _, req := range requests {
		responses, err := r.readResponses(ctx, clientId, flowId, req.RequestId, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.RequestAndResponses{Request: req, Responses: responses})
	}
	return out, nil
}

func (r *Store) ReadFlowResponses(ctx context.Context, clientId string, flowId string, requestId uint64, fromResponseId uint64) ([]*model.Response, error) {
	if err := r.requireFlow(ctx, clientId, flowId); err != nil {
		return nil, err
	}
	return r.readResponses(ctx, clientId, flowId, requestId, fromResponseId)
}

// rangeBounds maps an offset and count onto inclusive redis range indexes.
func rangeBounds(offset int, count int) (int64, int64) {
	if count <= 0 {
		return int64(offset), -1
	}
	return int64(offset), int64(offset + count - 1)
}

func (r *Store) ReadFlowResults(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowResult, error) {
	if err := r.requireFlow(ctx, clientId, flowId); err != nil {
		return nil, err
	}
	key := r.resultsKey(clientId, flowId)
	start, stop := rangeBounds(offset, count)
	items, err := r.redisClient.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, r.storageError("ZRange", key, err)
	}
	out := make([]*model.FlowResult, 0, len(items))
	for _, data := range items {
		res, err := r.resultEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *Store) WriteFlowLogEntry(ctx context.Context, entry *model.FlowLogEntry) error {
	if err := r.requireFlow(ctx, entry.ClientId, entry.FlowId); err != nil {
		return err
	}
	data, err := r.logEnc.Encode(*entry)
	if err != nil {
		return err
	}
	key := r.logsKey(entry.ClientId, entry.FlowId)
	if err := r.redisClient.RPush(ctx, key, string(data)).Err(); err != nil {
		return r.storageError("RPush", key, err)
	}
	return nil
}

func (r *Store) ReadFlowLogEntries(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowLogEntry, error) {
	if err := r.requireFlow(ctx, clientId, flowId); err != nil {
		return nil, err
	}
	key := r.logsKey(clientId, flowId)
	start, stop := rangeBounds(offset, count)
	items, err := r.redisClient.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, r.storageError("LRange", key, err)
	}
	out := make([]*model.FlowLogEntry, 0, len(items))
	for _, data := range items {
		e, err := r.logEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Store) WriteScheduledFlow(ctx context.Context, sf *model.ScheduledFlow) error {
	if err := r.requireHashField(ctx, r.getNamespaceKey(CLIENT_KEY), sf.ClientId, persistence.UnknownClientError{ClientId: sf.ClientId}); err != nil {
		return err
	}
	if err := r.requireHashField(ctx, r.getNamespaceKey(USER_KEY), sf.Creator, persistence.UnknownUserError{Username: sf.Creator}); err != nil {
		return err
	}
	data, err := r.scheduledEnc.Encode(*sf)
	if err != nil {
		return err
	}
	key := r.scheduledKey(sf.ClientId, sf.Creator)
	if err := r.redisClient.HSet(ctx, key, sf.ScheduledFlowId, string(data)).Err(); err != nil {
		return r.storageError("HSet", key, err)
	}
	return nil
}

func (r *Store) ReadScheduledFlows(ctx context.Context, clientId string, creator string) ([]*model.ScheduledFlow, error) {
	key := r.scheduledKey(clientId, creator)
	all, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.storageError("HGetAll", key, err)
	}
	out := make([]*model.ScheduledFlow, 0, len(all))
	for _, data := range all {
		sf, err := r.scheduledEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ScheduledFlowId < out[j].ScheduledFlowId
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (r *Store) DeleteScheduledFlow(ctx context.Context, clientId string, creator string, scheduledFlowId string) error {
	key := r.scheduledKey(clientId, creator)
	n, err := r.redisClient.HDel(ctx, key, scheduledFlowId).Result()
	if err != nil {
		return r.storageError("HDel", key, err)
	}
	if n == 0 {
		return persistence.UnknownScheduledFlowError{ClientId: clientId, Creator: creator, ScheduledFlowId: scheduledFlowId}
	}
	return nil
}

func (r *Store) WriteClient(ctx context.Context, client *model.Client) error {
	data, err := r.clientEnc.Encode(*client)
	if err != nil {
		return err
	}
	key := r.getNamespaceKey(CLIENT_KEY)
	if err := r.redisClient.HSet(ctx, key, client.ClientId, string(data)).Err(); err != nil {
		return r.storageError("HSet", key, err)
	}
	return nil
}

func (r *Store) ReadClient(ctx context.Context, clientId string) (*model.Client, error) {
	key := r.getNamespaceKey(CLIENT_KEY)
	data, err := r.redisClient.HGet(ctx, key, clientId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.UnknownClientError{ClientId: clientId}
		}
		return nil, r.storageError("HGet", key, err)
	}
	return r.clientEnc.Decode([]byte(data))
}

func (r *Store) WriteUser(ctx context.Context, username string) error {
	data, err := r.userEnc.Encode(model.User{Username: username, CreateTime: time.Now()})
	if err != nil {
		return err
	}
	key := r.getNamespaceKey(USER_KEY)
	if err := r.redisClient.HSetNX(ctx, key, username, string(data)).Err(); err != nil {
		return r.storageError("HSetNX", key, err)
	}
	return nil
}

func (r *Store) ReadUser(ctx context.Context, username string) (*model.User, error) {
	key := r.getNamespaceKey(USER_KEY)
	data, err := r.redisClient.HGet(ctx, key, username).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.UnknownUserError{Username: username}
		}
		return nil, r.storageError("HGet", key, err)
	}
	return r.userEnc.Decode([]byte(data))
}

func (r *Store) WriteUserNotification(ctx context.Context, n *model.UserNotification) error {
	if err := r.requireHashField(ctx, r.getNamespaceKey(USER_KEY), n.Username, persistence.UnknownUserError{Username: n.Username}); err != nil {
		return err
	}
	data, err := r.notificationEnc.Encode(*n)
	if err != nil {
		return err
	}
	key := r.getNamespaceKey(NOTIFICATION_KEY, n.Username)
	if err := r.redisClient.RPush(ctx, key, string(data)).Err(); err != nil {
		return r.storageError("RPush", key, err)
	}
	return nil
}

func (r *Store) ReadUserNotifications(ctx context.Context, username string) ([]*model.UserNotification, error) {
	key := r.getNamespaceKey(NOTIFICATION_KEY, username)
	items, err := r.redisClient.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, r.storageError("LRange", key, err)
	}
	out := make([]*model.UserNotification, 0, len(items))
	for _, data := range items {
		n, err := r.notificationEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *Store) queueMessages(ctx context.Context, pipe rd.Pipeliner, messages []*model.Message) error {
	for _, m := range messages {
		data, err := r.messageEnc.Encode(*m)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, r.clientQueueKey(m.ClientId), string(data))
	}
	return nil
}

func (r *Store) WriteClientMessages(ctx context.Context, messages []*model.Message) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		return r.queueMessages(ctx, pipe, messages)
	})
	if err != nil {
		return r.storageError("WriteClientMessages", CLIENT_QUEUE_KEY, err)
	}
	return nil
}

func (r *Store) PopClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error) {
	key := r.clientQueueKey(clientId)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	var items *rd.StringSliceCmd
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, stop)
		if stop < 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.LTrim(ctx, key, stop+1, -1)
		}
		return nil
	})
	if err != nil {
		return nil, r.storageError("PopClientMessages", key, err)
	}
	out := make([]*model.Message, 0, len(items.Val()))
	for _, data := range items.Val() {
		m, err := r.messageEnc.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Store) queueProcessingRequests(ctx context.Context, pipe rd.Pipeliner, requests []*model.FlowProcessingRequest) error {
	for _, req := range requests {
		data, err := r.processingEnc.Encode(*req)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, r.processingKey(req.Partition), rdZ(float64(req.DeliveryTime.UnixMilli()), data))
	}
	return nil
}

func (r *Store) WriteFlowProcessingRequests(ctx context.Context, requests []*model.FlowProcessingRequest) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		return r.queueProcessingRequests(ctx, pipe, requests)
	})
	if err != nil {
		return r.storageError("WriteFlowProcessingRequests", PROCESSING_KEY, err)
	}
	return nil
}

func (r *Store) PopFlowProcessingRequests(ctx context.Context, partition int, due time.Time, limit int) ([]*model.FlowProcessingRequest, error) {
	key := r.processingKey(partition)
	count := limit
	if count <= 0 {
		count = -1
	}
	res, err := r.redisClient.Eval(ctx, popDueLua, []string{key}, due.UnixMilli(), count).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []*model.FlowProcessingRequest{}, nil
		}
		return nil, r.storageError("Eval", key, err)
	}
	items, _ := res.([]interface{})
	out := make([]*model.FlowProcessingRequest, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		req, err := r.processingEnc.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	// Equal scores come back in member order; keep delivery order stable.
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeliveryTime.Before(out[j].DeliveryTime) })
	return out, nil
}
