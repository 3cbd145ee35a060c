package config

import (
	"os"
	"strings"
	"time"
)

const (
	ActaCompletionModeSync   = "sync"
	ActaCompletionModePubSub = "pubsub"
)

// ActaCompletionMode selects how a fully signed inspection reaches the acta
// workflow:
// - ACTA_COMPLETION_MODE=sync    the signing request runs it after commit
// - ACTA_COMPLETION_MODE=pubsub  the outbox dispatcher publishes to ACTAS_PUBSUB_TOPIC
//
// Unset means pubsub when Pub/Sub is configured, sync otherwise.
func ActaCompletionMode() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ACTA_COMPLETION_MODE"))) {
	case ActaCompletionModeSync:
		return ActaCompletionModeSync
	case ActaCompletionModePubSub:
		return ActaCompletionModePubSub
	}
	if PubSubConfigured() {
		return ActaCompletionModePubSub
	}
	return ActaCompletionModeSync
}

// ActaRenderTimeout bounds one render+upload attempt (ACTA_RENDER_TIMEOUT, default 2m).
func ActaRenderTimeout() time.Duration {
	return durationFromEnv("ACTA_RENDER_TIMEOUT", 2*time.Minute)
}

// ActaGenerationDeadline is how long an inspection may stay fully signed
// without a result before the sweeper fails it (ACTA_GENERATION_DEADLINE, default 15m).
func ActaGenerationDeadline() time.Duration {
	return durationFromEnv("ACTA_GENERATION_DEADLINE", 15*time.Minute)
}

// DocumentCounterMaxRetries bounds retries on counter contention (DOCUMENT_COUNTER_MAX_RETRIES, default 5).
func DocumentCounterMaxRetries() int {
	return intFromEnv("DOCUMENT_COUNTER_MAX_RETRIES", 5)
}

// OutboxDirectProcessorEnabled turns the local outbox processor on or off
// (OUTBOX_DIRECT_PROCESSOR_ENABLED, default on).
func OutboxDirectProcessorEnabled() bool {
	return boolFromEnv("OUTBOX_DIRECT_PROCESSOR_ENABLED", true)
}
