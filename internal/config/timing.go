package config

import "time"

// Default timing configurations used throughout the continuation manager
const (
	// DefaultDecisionWait is how long ApplyAdvanceResource waits for the
	// broker's decision on a peer
	DefaultDecisionWait = 60 * time.Second

	// DefaultApplyRateInterval is the refill interval of the per-peer apply
	// rate limiter
	DefaultApplyRateInterval = 1 * time.Second

	// DefaultApplyBurst is the number of apply calls a peer may issue at once
	DefaultApplyBurst = 3

	// DefaultRequestTimeout bounds a single transport transaction
	DefaultRequestTimeout = 5 * time.Second

	// DefaultShutdownTimeout bounds graceful gRPC shutdown
	DefaultShutdownTimeout = 2 * time.Second

	// DefaultWorkQueueCapacity is the buffered depth of the ordered work queue
	DefaultWorkQueueCapacity = 64

	// DefaultContinueEventCapacity is the pending event depth of a session
	DefaultContinueEventCapacity = 16
)

// Default limits and addresses
const (
	// DefaultMaxRegisterNum is the number of tokens one principal may hold
	DefaultMaxRegisterNum = 600

	// DefaultMaxTokenNum is the largest token issued before wrapping to 1
	DefaultMaxTokenNum = 100000000

	// DefaultGRPCPort serves the binder transport
	DefaultGRPCPort = "50050"

	// DefaultHTTPPort serves the MCP binding in HTTP/SSE mode
	DefaultHTTPPort = "8080"

	// DefaultMetricsPort serves /metrics
	DefaultMetricsPort = "9090"

	// DefaultRedisPrefix prefixes every parameter key stored in Redis
	DefaultRedisPrefix = "continuationmgr:param:"
)

// Default identities of the local device
const (
	DefaultDeviceID        = "local-device"
	DefaultFoundationToken = 1
	DefaultDumperToken     = 2
	DefaultBindingToken    = 1001
	DefaultBindingUID      = 20010001
	DefaultGroupID         = "default-group"
	// DefaultGroupType is an identical account group
	DefaultGroupType = 1
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)
