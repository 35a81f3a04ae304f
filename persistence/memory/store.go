package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

var _ persistence.Store = new(Store)

type responseKey struct {
	requestId  uint64
	responseId uint64
}

func lessResponse(a, b *model.Response) bool {
	if a.RequestId != b.RequestId {
		return a.RequestId < b.RequestId
	}
	return a.ResponseId < b.ResponseId
}

// flowEntry is one slot of the flow arena. Parent and child links are plain
// flow ids resolved through the arena.
type flowEntry struct {
	flow          *model.Flow
	requests      map[uint64]*model.Request
	responses     *btree.BTreeG[*model.Response]
	results       []*model.FlowResult
	logs          []*model.FlowLogEntry
	children      []string
	leaseOwner    string
	leaseDeadline time.Time
}

func newFlowEntry(flow *model.Flow) *flowEntry {
	return &flowEntry{
		flow:      flow,
		requests:  make(map[uint64]*model.Request),
		responses: btree.NewG(16, lessResponse),
	}
}

type queueItem struct {
	partition int
	delivery  int64
	seq       uint64
	req       *model.FlowProcessingRequest
}

func lessQueueItem(a, b queueItem) bool {
	if a.partition != b.partition {
		return a.partition < b.partition
	}
	if a.delivery != b.delivery {
		return a.delivery < b.delivery
	}
	return a.seq < b.seq
}

// Store keeps everything in process memory. A single mutex serializes all
// access which makes UpdateFlow trivially atomic.
type Store struct {
	mu            sync.Mutex
	flows         map[string]*flowEntry
	clients       map[string]*model.Client
	users         map[string]*model.User
	notifications map[string][]*model.UserNotification
	scheduled     map[string]map[string]*model.ScheduledFlow
	messages      map[string][]*model.Message
	queue         *btree.BTreeG[queueItem]
	seq           uint64
}

func NewStore() *Store {
	return &Store{
		flows:         make(map[string]*flowEntry),
		clients:       make(map[string]*model.Client),
		users:         make(map[string]*model.User),
		notifications: make(map[string][]*model.UserNotification),
		scheduled:     make(map[string]map[string]*model.ScheduledFlow),
		messages:      make(map[string][]*model.Message),
		queue:         btree.NewG(16, lessQueueItem),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) entry(clientId string, flowId string) (*flowEntry, error) {
	e, ok := s.flows[model.FlowKey(clientId, flowId)]
	if !ok {
		return nil, persistence.UnknownFlowError{ClientId: clientId, FlowId: flowId}
	}
	return e, nil
}

func (s *Store) CreateFlow(ctx context.Context, flow *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[flow.ClientId]; !ok {
		return persistence.UnknownClientError{ClientId: flow.ClientId}
	}
	if _, ok := s.flows[flow.Key()]; ok {
		return persistence.DuplicateFlowIdError{ClientId: flow.ClientId, FlowId: flow.FlowId}
	}
	s.flows[flow.Key()] = newFlowEntry(flow.Copy())
	if flow.ParentFlowId != "" {
		if parent, ok := s.flows[model.FlowKey(flow.ClientId, flow.ParentFlowId)]; ok {
			parent.children = append(parent.children, flow.FlowId)
		}
	}
	return nil
}

func (s *Store) ReadFlowObject(ctx context.Context, clientId string, flowId string) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	return e.flow.Copy(), nil
}

func (s *Store) ReadChildFlowObjects(ctx context.Context, clientId string, parentFlowId string) ([]*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.entry(clientId, parentFlowId)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Flow, 0, len(parent.children))
	for _, id := range parent.children {
		if child, ok := s.flows[model.FlowKey(clientId, id)]; ok {
			out = append(out, child.flow.Copy())
		}
	}
	return out, nil
}

func (s *Store) ReadAllFlowObjects(ctx context.Context, clientId string) ([]*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Flow, 0)
	for _, e := range s.flows {
		if e.flow.ClientId == clientId {
			out = append(out, e.flow.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (s *Store) UpdateFlow(ctx context.Context, update *model.FlowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(update.Flow.ClientId, update.Flow.FlowId)
	if err != nil {
		return err
	}
	if update.LeaseToken != "" && (e.leaseOwner != update.LeaseToken || !time.Now().Before(e.leaseDeadline)) {
		return persistence.ErrFlowLeased
	}
	e.flow = update.Flow.Copy()
	for _, r := range update.NewRequests {
		e.requests[r.RequestId] = r.Copy()
	}
	for _, r := range update.UpdatedRequests {
		e.requests[r.RequestId] = r.Copy()
	}
	for _, id := range update.ProcessedRequests {
		delete(e.requests, id)
		s.deleteResponses(e, id)
	}
	s.writeResponses(update.Responses)
	e.results = append(e.results, update.Results...)
	e.logs = append(e.logs, update.LogEntries...)
	s.writeMessages(update.ClientMessages)
	s.pushProcessingRequests(update.ProcessingRequests)
	return nil
}

func (s *Store) deleteResponses(e *flowEntry, requestId uint64) {
	var doomed []*model.Response
	e.responses.AscendRange(
		&model.Response{RequestId: requestId},
		&model.Response{RequestId: requestId + 1},
		func(r *model.Response) bool {
			doomed = append(doomed, r)
			return true
		})
	for _, r := range doomed {
		e.responses.Delete(r)
	}
}

func (s *Store) LeaseFlowForProcessing(ctx context.Context, clientId string, flowId string, owner string, ttl time.Duration) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if e.leaseOwner != "" && e.leaseOwner != owner && now.Before(e.leaseDeadline) {
		return nil, persistence.ErrFlowLeased
	}
	e.leaseOwner = owner
	e.leaseDeadline = now.Add(ttl)
	return e.flow.Copy(), nil
}

func (s *Store) ReleaseProcessedFlow(ctx context.Context, clientId string, flowId string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return err
	}
	if e.leaseOwner == owner {
		e.leaseOwner = ""
		e.leaseDeadline = time.Time{}
	}
	return nil
}

func (s *Store) WriteFlowRequests(ctx context.Context, requests []*model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		e, err := s.entry(r.ClientId, r.FlowId)
		if err != nil {
			return err
		}
		e.requests[r.RequestId] = r.Copy()
	}
	return nil
}

func (s *Store) WriteFlowResponses(ctx context.Context, responses []*model.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeResponses(responses)
	return nil
}

func (s *Store) writeResponses(responses []*model.Response) {
	for _, r := range responses {
		e, ok := s.flows[model.FlowKey(r.ClientId, r.FlowId)]
		if !ok {
			continue
		}
		if _, found := e.responses.Get(r); found {
			continue
		}
		e.responses.ReplaceOrInsert(r)
	}
}

func (s *Store) ReadFlowRequestsAndResponses(ctx context.Context, clientId string, flowId string) ([]*model.RequestAndResponses, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(e.requests))
	for id := range e.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*model.RequestAndResponses, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.RequestAndResponses{
			Request:   e.requests[id].Copy(),
			Responses: s.responsesFrom(e, id, 0),
		})
	}
	return out, nil
}

func (s *Store) responsesFrom(e *flowEntry, requestId uint64, from uint64) []*model.Response {
	out := make([]*model.Response, 0)
	e.responses.AscendRange(
		&model.Response{RequestId: requestId, ResponseId: from},
		&model.Response{RequestId: requestId + 1},
		func(r *model.Response) bool {
			out = append(out, r)
			return true
		})
	return out
}

func (s *Store) ReadFlowResponses(ctx context.Context, clientId string, flowId string, requestId uint64, fromResponseId uint64) ([]*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	return s.responsesFrom(e, requestId, fromResponseId), nil
}

func (s *Store) ReadFlowResults(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	return window(e.results, offset, count), nil
}

func (s *Store) WriteFlowLogEntry(ctx context.Context, entry *model.FlowLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(entry.ClientId, entry.FlowId)
	if err != nil {
		return err
	}
	e.logs = append(e.logs, entry)
	return nil
}

func (s *Store) ReadFlowLogEntries(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(clientId, flowId)
	if err != nil {
		return nil, err
	}
	return window(e.logs, offset, count), nil
}

// window returns count items starting at offset. A non-positive count
// means everything after offset.
func window[T any](items []T, offset int, count int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}

func scheduledKey(clientId string, creator string) string {
	return clientId + "/" + creator
}

func (s *Store) WriteScheduledFlow(ctx context.Context, sf *model.ScheduledFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[sf.ClientId]; !ok {
		return persistence.UnknownClientError{ClientId: sf.ClientId}
	}
	if _, ok := s.users[sf.Creator]; !ok {
		return persistence.UnknownUserError{Username: sf.Creator}
	}
	key := scheduledKey(sf.ClientId, sf.Creator)
	if s.scheduled[key] == nil {
		s.scheduled[key] = make(map[string]*model.ScheduledFlow)
	}
	c := *sf
	s.scheduled[key][sf.ScheduledFlowId] = &c
	return nil
}

func (s *Store) ReadScheduledFlows(ctx context.Context, clientId string, creator string) ([]*model.ScheduledFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.ScheduledFlow, 0)
	for _, sf := range s.scheduled[scheduledKey(clientId, creator)] {
		c := *sf
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ScheduledFlowId < out[j].ScheduledFlowId
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (s *Store) DeleteScheduledFlow(ctx context.Context, clientId string, creator string, scheduledFlowId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flows := s.scheduled[scheduledKey(clientId, creator)]
	if _, ok := flows[scheduledFlowId]; !ok {
		return persistence.UnknownScheduledFlowError{ClientId: clientId, Creator: creator, ScheduledFlowId: scheduledFlowId}
	}
	delete(flows, scheduledFlowId)
	return nil
}

func (s *Store) WriteClient(ctx context.Context, client *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *client
	s.clients[client.ClientId] = &c
	return nil
}

func (s *Store) ReadClient(ctx context.Context, clientId string) (*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientId]
	if !ok {
		return nil, persistence.UnknownClientError{ClientId: clientId}
	}
	out := *c
	return &out, nil
}

func (s *Store) WriteUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		s.users[username] = &model.User{Username: username, CreateTime: time.Now()}
	}
	return nil
}

func (s *Store) ReadUser(ctx context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, persistence.UnknownUserError{Username: username}
	}
	out := *u
	return &out, nil
}

func (s *Store) WriteUserNotification(ctx context.Context, n *model.UserNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[n.Username]; !ok {
		return persistence.UnknownUserError{Username: n.Username}
	}
	c := *n
	s.notifications[n.Username] = append(s.notifications[n.Username], &c)
	return nil
}

func (s *Store) ReadUserNotifications(ctx context.Context, username string) ([]*model.UserNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return window(s.notifications[username], 0, 0), nil
}

func (s *Store) WriteClientMessages(ctx context.Context, messages []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeMessages(messages)
	return nil
}

func (s *Store) writeMessages(messages []*model.Message) {
	for _, m := range messages {
		s.messages[m.ClientId] = append(s.messages[m.ClientId], m)
	}
}

func (s *Store) PopClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.messages[clientId]
	n := len(pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.Message, n)
	copy(out, pending[:n])
	s.messages[clientId] = pending[n:]
	return out, nil
}

func (s *Store) WriteFlowProcessingRequests(ctx context.Context, requests []*model.FlowProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushProcessingRequests(requests)
	return nil
}

func (s *Store) pushProcessingRequests(requests []*model.FlowProcessingRequest) {
	for _, r := range requests {
		s.seq++
		c := *r
		s.queue.ReplaceOrInsert(queueItem{
			partition: r.Partition,
			delivery:  r.DeliveryTime.UnixNano(),
			seq:       s.seq,
			req:       &c,
		})
	}
}

func (s *Store) PopFlowProcessingRequests(ctx context.Context, partition int, due time.Time, limit int) ([]*model.FlowProcessingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []queueItem
	dueNanos := due.UnixNano()
	s.queue.AscendGreaterOrEqual(queueItem{partition: partition, delivery: math.MinInt64}, func(it queueItem) bool {
		if it.partition != partition || it.delivery > dueNanos {
			return false
		}
		items = append(items, it)
		return limit <= 0 || len(items) < limit
	})
	out := make([]*model.FlowProcessingRequest, 0, len(items))
	for _, it := range items {
		s.queue.Delete(it)
		out = append(out, it.req)
	}
	return out, nil
}
