package constants

import "time"

// Advisory lock keys. They must stay stable across releases because every
// process of every version shares them through the same database.
const (
	MigrationLock int64 = 727_401
	SchedulerLock int64 = 727_402
)

const LeaseID = "singleton"

const RunnerStateID = "singleton"

const (
	MaxAttempts       = 5
	MaxBackoffMinutes = 60
)

const (
	DefaultPollInterval      = 5000 * time.Millisecond
	DefaultWorkerConcurrency = 5
	DefaultBatchSize         = 50
	DefaultIntakePerSecond   = 10
	DefaultBrokerMaxAttempts = 5
	DefaultBrokerBackoffBase = 5 * time.Second
	DefaultOrphanGrace       = 5 * time.Minute
	DefaultStaleJobTimeout   = 15 * time.Minute
	DefaultDedupeTTL         = 24 * time.Hour
)

const RateLimitKeyPrefix = "ratelimit"

const BrokerDedupeKeyPrefix = "queue:dedupe"
