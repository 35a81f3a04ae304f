// Package storetest holds the behaviour every persistence.Store must share.
package storetest

import (
	"context"
	"errors"
	"time"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var baseTime = time.Unix(1700000000, 0).UTC()

type StoreSuite struct {
	suite.Suite
	NewStore func() persistence.Store

	store persistence.Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore()
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
}

func (s *StoreSuite) writeClient(clientId string) {
	s.Require().NoError(s.store.WriteClient(s.ctx, &model.Client{ClientId: clientId, FirstSeen: baseTime, LastSeen: baseTime}))
}

func (s *StoreSuite) newFlow(clientId string, flowId string) *model.Flow {
	return &model.Flow{
		ClientId:             clientId,
		FlowId:               flowId,
		FlowClassName:        "TestFlow",
		Creator:              "tester",
		FlowState:            model.RUNNING,
		NextRequestId:        1,
		NextRequestToProcess: 1,
		CreateTime:           baseTime,
		LastUpdateTime:       baseTime,
	}
}

func (s *StoreSuite) createFlow(clientId string, flowId string) *model.Flow {
	f := s.newFlow(clientId, flowId)
	s.Require().NoError(s.store.CreateFlow(s.ctx, f))
	return f
}

func (s *StoreSuite) payload(v string) *model.Payload {
	p, err := model.NewPayload(wrapperspb.String(v))
	s.Require().NoError(err)
	return p
}

func (s *StoreSuite) TestCreateFlowRequiresKnownClient() {
	err := s.store.CreateFlow(s.ctx, s.newFlow("C.1", "F1"))
	var unknown persistence.UnknownClientError
	s.Require().True(errors.As(err, &unknown), "got %v", err)
}

func (s *StoreSuite) TestCreateAndReadFlow() {
	s.writeClient("C.1")
	f := s.newFlow("C.1", "F1")
	f.Args = s.payload("args")
	f.RunnerArgs = model.RunnerArgs{CpuLimit: 30, NetworkBytesLimit: 1500, RuntimeLimit: 9 * time.Second}
	s.Require().NoError(s.store.CreateFlow(s.ctx, f))

	got, err := s.store.ReadFlowObject(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Equal("TestFlow", got.FlowClassName)
	s.Equal(model.RUNNING, got.FlowState)
	s.Equal(f.RunnerArgs, got.RunnerArgs)
	s.Equal(f.Args, got.Args)

	_, err = s.store.ReadFlowObject(s.ctx, "C.1", "MISSING")
	var unknown persistence.UnknownFlowError
	s.Require().True(errors.As(err, &unknown), "got %v", err)
}

func (s *StoreSuite) TestDuplicateFlowIdIsRejected() {
	s.writeClient("C.1")
	s.createFlow("C.1", "F1")
	dup := s.newFlow("C.1", "F1")
	dup.FlowClassName = "Other"
	err := s.store.CreateFlow(s.ctx, dup)
	var duplicate persistence.DuplicateFlowIdError
	s.Require().True(errors.As(err, &duplicate), "got %v", err)

	got, err := s.store.ReadFlowObject(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Equal("TestFlow", got.FlowClassName)
}

func (s *StoreSuite) TestChildAndAllFlows() {
	s.writeClient("C.1")
	s.writeClient("C.2")
	s.createFlow("C.1", "P1")
	child := s.newFlow("C.1", "K1")
	child.ParentFlowId = "P1"
	child.ParentRequestId = 1
	s.Require().NoError(s.store.CreateFlow(s.ctx, child))
	s.createFlow("C.2", "X1")

	children, err := s.store.ReadChildFlowObjects(s.ctx, "C.1", "P1")
	s.Require().NoError(err)
	s.Require().Len(children, 1)
	s.Equal("K1", children[0].FlowId)
	s.Equal(uint64(1), children[0].ParentRequestId)

	all, err := s.store.ReadAllFlowObjects(s.ctx, "C.1")
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *StoreSuite) TestResponsesAreOrderedAndDeduplicated() {
	s.writeClient("C.1")
	s.createFlow("C.1", "F1")
	s.Require().NoError(s.store.WriteFlowRequests(s.ctx, []*model.Request{
		{ClientId: "C.1", FlowId: "F1", RequestId: 2, NextState: "Next"},
		{ClientId: "C.1", FlowId: "F1", RequestId: 1, NextState: "Next", CallbackState: "Partial"},
	}))

	resp := func(id uint64, v string) *model.Response {
		return &model.Response{ClientId: "C.1", FlowId: "F1", RequestId: 1, ResponseId: id, Type: model.MESSAGE, Payload: s.payload(v), Timestamp: baseTime}
	}
	status := &model.Response{ClientId: "C.1", FlowId: "F1", RequestId: 1, ResponseId: 4, Type: model.STATUS,
		Status: &model.Status{Status: model.STATUS_OK}, Timestamp: baseTime}

	s.Require().NoError(s.store.WriteFlowResponses(s.ctx, []*model.Response{resp(3, "c"), status, resp(1, "a")}))
	s.Require().NoError(s.store.WriteFlowResponses(s.ctx, []*model.Response{resp(1, "duplicate"), resp(2, "b")}))

	rrs, err := s.store.ReadFlowRequestsAndResponses(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Require().Len(rrs, 2)
	s.Equal(uint64(1), rrs[0].Request.RequestId)
	s.Equal("Partial", rrs[0].Request.CallbackState)
	s.Equal(uint64(2), rrs[1].Request.RequestId)
	s.Empty(rrs[1].Responses)

	ids := make([]uint64, 0)
	for _, r := range rrs[0].Responses {
		ids = append(ids, r.ResponseId)
	}
	s.Equal([]uint64{1, 2, 3, 4}, ids)
	s.Equal(s.payload("a"), rrs[0].Responses[0].Payload)
	s.True(rrs[0].IsComplete())

	newer, err := s.store.ReadFlowResponses(s.ctx, "C.1", "F1", 1, 3)
	s.Require().NoError(err)
	s.Require().Len(newer, 2)
	s.Equal(uint64(3), newer[0].ResponseId)
	s.True(newer[1].IsStatus())
}

func (s *StoreSuite) TestUpdateFlowCommitsEverything() {
	s.writeClient("C.1")
	f := s.createFlow("C.1", "F1")
	s.Require().NoError(s.store.WriteFlowRequests(s.ctx, []*model.Request{
		{ClientId: "C.1", FlowId: "F1", RequestId: 1, NextState: "Next"},
	}))
	s.Require().NoError(s.store.WriteFlowResponses(s.ctx, []*model.Response{
		{ClientId: "C.1", FlowId: "F1", RequestId: 1, ResponseId: 1, Type: model.STATUS, Status: &model.Status{Status: model.STATUS_OK}},
	}))

	f.NextRequestId = 3
	f.NextRequestToProcess = 2
	f.CurrentState = "Next"
	f.NumRepliesSent = 2
	update := &model.FlowUpdate{
		Flow:              f,
		ProcessedRequests: []uint64{1},
		NewRequests: []*model.Request{
			{ClientId: "C.1", FlowId: "F1", RequestId: 2, NextState: "Later"},
		},
		Responses: []*model.Response{
			{ClientId: "C.1", FlowId: "F1", RequestId: 2, ResponseId: 1, Type: model.MESSAGE, Payload: s.payload("pre")},
			{ClientId: "C.1", FlowId: "F1", RequestId: 2, ResponseId: 2, Type: model.STATUS, Status: &model.Status{Status: model.STATUS_OK}},
		},
		Results: []*model.FlowResult{
			{ClientId: "C.1", FlowId: "F1", Index: 0, Payload: s.payload("r0"), Timestamp: baseTime},
			{ClientId: "C.1", FlowId: "F1", Index: 1, Payload: s.payload("r1"), Timestamp: baseTime},
		},
		LogEntries: []*model.FlowLogEntry{
			{ClientId: "C.1", FlowId: "F1", Message: "hello", Timestamp: baseTime},
		},
		ClientMessages: []*model.Message{
			{ClientId: "C.1", FlowId: "F1", RequestId: 2, Name: "GetPlatformInfo", Type: model.MESSAGE},
		},
		ProcessingRequests: []*model.FlowProcessingRequest{
			{ClientId: "C.1", FlowId: "F1", Partition: 0, DeliveryTime: baseTime, CreationTime: baseTime},
		},
	}
	s.Require().NoError(s.store.UpdateFlow(s.ctx, update))

	got, err := s.store.ReadFlowObject(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Equal(uint64(3), got.NextRequestId)
	s.Equal(uint64(2), got.NextRequestToProcess)
	s.Equal("Next", got.CurrentState)

	rrs, err := s.store.ReadFlowRequestsAndResponses(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Require().Len(rrs, 1)
	s.Equal(uint64(2), rrs[0].Request.RequestId)
	s.Require().Len(rrs[0].Responses, 2)
	s.True(rrs[0].IsComplete())

	results, err := s.store.ReadFlowResults(s.ctx, "C.1", "F1", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	s.Equal(s.payload("r1"), results[1].Payload)

	logs, err := s.store.ReadFlowLogEntries(s.ctx, "C.1", "F1", 0, 10)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal("hello", logs[0].Message)

	msgs, err := s.store.PopClientMessages(s.ctx, "C.1", 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Equal("GetPlatformInfo", msgs[0].Name)

	reqs, err := s.store.PopFlowProcessingRequests(s.ctx, 0, baseTime, 10)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.Equal("F1", reqs[0].FlowId)
}

func (s *StoreSuite) TestIncrementalRequestUpdate() {
	s.writeClient("C.1")
	f := s.createFlow("C.1", "F1")
	req := &model.Request{ClientId: "C.1", FlowId: "F1", RequestId: 1, NextState: "Done", CallbackState: "Partial", NextResponseId: 1}
	s.Require().NoError(s.store.WriteFlowRequests(s.ctx, []*model.Request{req}))

	updated := req.Copy()
	updated.NextResponseId = 4
	s.Require().NoError(s.store.UpdateFlow(s.ctx, &model.FlowUpdate{Flow: f, UpdatedRequests: []*model.Request{updated}}))

	rrs, err := s.store.ReadFlowRequestsAndResponses(s.ctx, "C.1", "F1")
	s.Require().NoError(err)
	s.Require().Len(rrs, 1)
	s.Equal(uint64(4), rrs[0].Request.NextResponseId)
}

func (s *StoreSuite) TestFlowLease() {
	s.writeClient("C.1")
	s.createFlow("C.1", "F1")

	f, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-a", time.Minute)
	s.Require().NoError(err)
	s.Equal("F1", f.FlowId)

	_, err = s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-b", time.Minute)
	s.Require().ErrorIs(err, persistence.ErrFlowLeased)

	_, err = s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-a", time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.store.ReleaseProcessedFlow(s.ctx, "C.1", "F1", "worker-a"))
	_, err = s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-b", time.Minute)
	s.Require().NoError(err)

	_, err = s.store.LeaseFlowForProcessing(s.ctx, "C.1", "MISSING", "worker-b", time.Minute)
	var unknown persistence.UnknownFlowError
	s.Require().True(errors.As(err, &unknown), "got %v", err)
}

func (s *StoreSuite) TestExpiredLeaseCanBeTaken() {
	s.writeClient("C.1")
	s.createFlow("C.1", "F1")

	_, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-a", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Eventually(func() bool {
		_, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-b", time.Minute)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
}

func (s *StoreSuite) leasedUpdate(flow *model.Flow, token string, state string) *model.FlowUpdate {
	f := flow.Copy()
	f.CurrentState = state
	return &model.FlowUpdate{
		Flow:       f,
		LeaseToken: token,
		Results:    []*model.FlowResult{{ClientId: f.ClientId, FlowId: f.FlowId, Index: 0, Payload: s.payload(state), Timestamp: baseTime}},
	}
}

func (s *StoreSuite) requireUnchanged(clientId string, flowId string, state string) {
	f, err := s.store.ReadFlowObject(s.ctx, clientId, flowId)
	s.Require().NoError(err)
	s.Equal(state, f.CurrentState)
}

func (s *StoreSuite) TestUpdateFlowRequiresLease() {
	s.writeClient("C.1")
	f := s.createFlow("C.1", "F1")

	_, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-a", time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateFlow(s.ctx, s.leasedUpdate(f, "worker-a", "Held")))

	err = s.store.UpdateFlow(s.ctx, s.leasedUpdate(f, "worker-b", "Stolen"))
	s.Require().ErrorIs(err, persistence.ErrFlowLeased)
	s.requireUnchanged("C.1", "F1", "Held")

	s.Require().NoError(s.store.ReleaseProcessedFlow(s.ctx, "C.1", "F1", "worker-a"))
	err = s.store.UpdateFlow(s.ctx, s.leasedUpdate(f, "worker-a", "Released"))
	s.Require().ErrorIs(err, persistence.ErrFlowLeased)
	s.requireUnchanged("C.1", "F1", "Held")

	results, err := s.store.ReadFlowResults(s.ctx, "C.1", "F1", 0, 0)
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *StoreSuite) TestUpdateFlowAfterLeaseExpired() {
	s.writeClient("C.1")
	f := s.createFlow("C.1", "F1")

	_, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-a", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Eventually(func() bool {
		_, err := s.store.LeaseFlowForProcessing(s.ctx, "C.1", "F1", "worker-b", time.Minute)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)

	err = s.store.UpdateFlow(s.ctx, s.leasedUpdate(f, "worker-a", "Late"))
	s.Require().ErrorIs(err, persistence.ErrFlowLeased)
	results, err := s.store.ReadFlowResults(s.ctx, "C.1", "F1", 0, 0)
	s.Require().NoError(err)
	s.Empty(results)

	s.Require().NoError(s.store.UpdateFlow(s.ctx, s.leasedUpdate(f, "worker-b", "Current")))
	s.requireUnchanged("C.1", "F1", "Current")
}

func (s *StoreSuite) TestLogEntriesWindow() {
	s.writeClient("C.1")
	s.createFlow("C.1", "F1")
	for _, m := range []string{"one", "two", "three", "four"} {
		s.Require().NoError(s.store.WriteFlowLogEntry(s.ctx, &model.FlowLogEntry{ClientId: "C.1", FlowId: "F1", Message: m, Timestamp: baseTime}))
	}
	logs, err := s.store.ReadFlowLogEntries(s.ctx, "C.1", "F1", 1, 2)
	s.Require().NoError(err)
	s.Require().Len(logs, 2)
	s.Equal("two", logs[0].Message)
	s.Equal("three", logs[1].Message)

	logs, err = s.store.ReadFlowLogEntries(s.ctx, "C.1", "F1", 10, 2)
	s.Require().NoError(err)
	s.Empty(logs)
}

func (s *StoreSuite) TestScheduledFlows() {
	sf := func(id string, offset time.Duration) *model.ScheduledFlow {
		return &model.ScheduledFlow{
			ClientId:        "C.1",
			Creator:         "alice",
			ScheduledFlowId: id,
			FlowName:        "TestFlow",
			Args:            s.payload(id),
			CreateTime:      baseTime.Add(offset),
		}
	}
	var unknownClient persistence.UnknownClientError
	s.Require().True(errors.As(s.store.WriteScheduledFlow(s.ctx, sf("S1", 0)), &unknownClient))

	s.writeClient("C.1")
	var unknownUser persistence.UnknownUserError
	s.Require().True(errors.As(s.store.WriteScheduledFlow(s.ctx, sf("S1", 0)), &unknownUser))

	s.Require().NoError(s.store.WriteUser(s.ctx, "alice"))
	s.Require().NoError(s.store.WriteUser(s.ctx, "bob"))
	s.Require().NoError(s.store.WriteScheduledFlow(s.ctx, sf("S2", time.Second)))
	s.Require().NoError(s.store.WriteScheduledFlow(s.ctx, sf("S1", 0)))
	other := sf("S3", 0)
	other.Creator = "bob"
	s.Require().NoError(s.store.WriteScheduledFlow(s.ctx, other))

	got, err := s.store.ReadScheduledFlows(s.ctx, "C.1", "alice")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("S1", got[0].ScheduledFlowId)
	s.Equal("S2", got[1].ScheduledFlowId)
	s.Equal(s.payload("S1"), got[0].Args)

	failed := sf("S1", 0)
	failed.Error = "boom"
	s.Require().NoError(s.store.WriteScheduledFlow(s.ctx, failed))
	s.Require().NoError(s.store.DeleteScheduledFlow(s.ctx, "C.1", "alice", "S2"))

	got, err = s.store.ReadScheduledFlows(s.ctx, "C.1", "alice")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("boom", got[0].Error)

	var unknownSf persistence.UnknownScheduledFlowError
	s.Require().True(errors.As(s.store.DeleteScheduledFlow(s.ctx, "C.1", "alice", "S2"), &unknownSf))

	got, err = s.store.ReadScheduledFlows(s.ctx, "C.1", "bob")
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *StoreSuite) TestUsersAndNotifications() {
	_, err := s.store.ReadUser(s.ctx, "alice")
	var unknown persistence.UnknownUserError
	s.Require().True(errors.As(err, &unknown))

	s.Require().NoError(s.store.WriteUser(s.ctx, "alice"))
	s.Require().NoError(s.store.WriteUser(s.ctx, "alice"))
	u, err := s.store.ReadUser(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal("alice", u.Username)

	s.Require().NoError(s.store.WriteUserNotification(s.ctx, &model.UserNotification{
		Username: "alice", Type: model.FLOW_RUN_COMPLETED, Message: "TestFlow completed with 2 results", ClientId: "C.1", FlowId: "F1", Timestamp: baseTime,
	}))
	ns, err := s.store.ReadUserNotifications(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(ns, 1)
	s.Equal("TestFlow completed with 2 results", ns[0].Message)
}

func (s *StoreSuite) TestClients() {
	_, err := s.store.ReadClient(s.ctx, "C.1")
	var unknown persistence.UnknownClientError
	s.Require().True(errors.As(err, &unknown))

	s.writeClient("C.1")
	c, err := s.store.ReadClient(s.ctx, "C.1")
	s.Require().NoError(err)
	s.Equal("C.1", c.ClientId)
}

func (s *StoreSuite) TestClientMessageQueue() {
	msgs := make([]*model.Message, 0)
	for i := uint64(1); i <= 3; i++ {
		msgs = append(msgs, &model.Message{ClientId: "C.1", FlowId: "F1", RequestId: i, Name: "Echo", Type: model.MESSAGE})
	}
	s.Require().NoError(s.store.WriteClientMessages(s.ctx, msgs))

	got, err := s.store.PopClientMessages(s.ctx, "C.1", 2)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(uint64(1), got[0].RequestId)
	s.Equal(uint64(2), got[1].RequestId)

	got, err = s.store.PopClientMessages(s.ctx, "C.1", 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(uint64(3), got[0].RequestId)

	got, err = s.store.PopClientMessages(s.ctx, "C.1", 10)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StoreSuite) TestProcessingQueueHonoursDeliveryTime() {
	s.Require().NoError(s.store.WriteFlowProcessingRequests(s.ctx, []*model.FlowProcessingRequest{
		{ClientId: "C.1", FlowId: "LATER", Partition: 1, DeliveryTime: baseTime.Add(time.Minute), CreationTime: baseTime},
		{ClientId: "C.1", FlowId: "NOW", Partition: 1, DeliveryTime: baseTime, CreationTime: baseTime},
		{ClientId: "C.1", FlowId: "ELSEWHERE", Partition: 2, DeliveryTime: baseTime, CreationTime: baseTime},
	}))

	got, err := s.store.PopFlowProcessingRequests(s.ctx, 1, baseTime.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("NOW", got[0].FlowId)

	got, err = s.store.PopFlowProcessingRequests(s.ctx, 1, baseTime.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.store.PopFlowProcessingRequests(s.ctx, 1, baseTime.Add(2*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("LATER", got[0].FlowId)

	got, err = s.store.PopFlowProcessingRequests(s.ctx, 2, baseTime, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("ELSEWHERE", got[0].FlowId)
}
