package cache

import (
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/mohitkumar/fleetflow/model"
)

// FlowStateCache remembers flows that reached a terminal state so stale
// processing requests for them can be dropped without a store read.
type FlowStateCache struct {
	cache *c.Cache
}

func NewFlowStateCache(ttl time.Duration) *FlowStateCache {
	return &FlowStateCache{
		cache: c.New(ttl, 10*time.Minute),
	}
}

func (ch *FlowStateCache) SaveFlowState(flowKey string, state model.FlowState) {
	if !state.IsTerminal() {
		return
	}
	ch.cache.SetDefault(flowKey, state)
}

func (ch *FlowStateCache) GetFlowState(flowKey string) (model.FlowState, bool) {
	state, found := ch.cache.Get(flowKey)
	if !found {
		return "", false
	}
	return state.(model.FlowState), true
}

func (ch *FlowStateCache) IsTerminal(flowKey string) bool {
	state, found := ch.GetFlowState(flowKey)
	return found && state.IsTerminal()
}

func (ch *FlowStateCache) Count() int {
	return ch.cache.ItemCount()
}
