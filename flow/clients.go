package flow

import (
	"context"

	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
)

// EnrolClient registers a client on first contact and refreshes its last
// seen time afterwards.
func (s *FlowService) EnrolClient(ctx context.Context, clientId string) (*model.Client, error) {
	now := s.clock()
	client, err := s.store.ReadClient(ctx, clientId)
	if err != nil {
		if !persistence.IsNotFound(err) {
			return nil, err
		}
		client = &model.Client{ClientId: clientId, FirstSeen: now}
	}
	client.LastSeen = now
	if err := s.store.WriteClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *FlowService) CreateUser(ctx context.Context, username string) error {
	return s.store.WriteUser(ctx, username)
}

// PendingClientMessages removes and returns up to limit queued client
// action requests.
func (s *FlowService) PendingClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error) {
	return s.store.PopClientMessages(ctx, clientId, limit)
}
