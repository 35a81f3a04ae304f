package cluster

import (
	"sort"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/util"
)

const DefaultPartitionCount = 71

type hasher struct {
}

func NewHasher() *hasher {
	return &hasher{}
}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type RingConfig struct {
	PartitionCount int
}

// Ring maps flow keys to processing queue partitions and partitions to the
// node that polls them.
type Ring struct {
	RingConfig
	hring     *consistent.Consistent
	nodes     map[string]Node
	localNode Node
	mu        sync.RWMutex
}

type Node struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

func (n Node) String() string {
	return n.Name
}

func NewRing(c RingConfig) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = DefaultPartitionCount
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            NewHasher(),
	}
	return &Ring{
		RingConfig: c,
		hring:      consistent.New(nil, cfg),
		nodes:      make(map[string]Node),
	}
}

func (r *Ring) Join(name, addr string, isLocal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; ok {
		return nil
	}
	node := Node{
		Name: name,
		Addr: addr,
	}
	logger.Info("adding member to cluster", zap.String("node", name), zap.String("address", addr), zap.Bool("local", isLocal))
	if isLocal {
		r.localNode = node
	}
	r.nodes[name] = node
	r.hring.Add(node)
	return nil
}

func (r *Ring) Leave(name string) error {
	logger.Info("removing member from cluster", zap.String("node", name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; !ok {
		return nil
	}
	delete(r.nodes, name)
	r.hring.Remove(name)
	return nil
}

// GetPartition returns the processing queue partition of a flow key.
func (r *Ring) GetPartition(key string) int {
	return r.hring.FindPartitionID([]byte(key))
}

// GetPartitions returns the partitions owned by the local node in random
// order so that a slow partition does not always starve the same ones.
func (r *Ring) GetPartitions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partitions := make([]int, 0)
	if r.localNode.Name == "" {
		return partitions
	}
	for i := 0; i < r.PartitionCount; i++ {
		owner := r.hring.GetPartitionOwner(i)
		if owner != nil && owner.String() == r.localNode.Name {
			partitions = append(partitions, i)
		}
	}
	util.Shuffle(partitions)
	return partitions
}

func (r *Ring) LocalNode() Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localNode
}

func (r *Ring) Members() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}
