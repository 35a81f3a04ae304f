package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_SQL StorageType = "sql"

type Config struct {
	RedisConfig   RedisStorageConfig
	SqlConfig     SqlStorageConfig
	ClusterConfig ClusterConfig
	WorkerConfig  WorkerConfig
	HttpPort      int
	GrpcPort      int
	StorageType   StorageType
	LogLevel      string
	// OutputLogDir is where LogFileOutputPlugin resolves relative paths.
	OutputLogDir string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	Password  string
}

type SqlStorageConfig struct {
	// Driver is one of sqlite, mysql or pgx.
	Driver string
	DSN    string
}

type ClusterConfig struct {
	NodeName string
	// BindAddr is the serf gossip address. Empty runs a single node cluster
	// without gossip.
	BindAddr       string
	StartJoinAddrs []string
	PartitionCount int
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
}
