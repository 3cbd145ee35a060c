package reports

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/serviciudad/activos_backend/config"
	"github.com/serviciudad/activos_backend/utils"
	"github.com/sirupsen/logrus"
)

func reportCacheEnabled() bool {
	return utils.BoolFromEnv("ENABLE_REPORT_CACHE", false)
}

// Env: REPORT_CACHE_TTL (default 2m)
func reportCacheTTL() time.Duration {
	return utils.DurationFromEnv("REPORT_CACHE_TTL", 2*time.Minute)
}

func reportSlowThreshold() time.Duration {
	return utils.DurationFromEnv("REPORT_SLOW_THRESHOLD", 500*time.Millisecond)
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d < reportSlowThreshold() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"report":         name,
		"ms":             d.Milliseconds(),
		"correlation_id": cid,
		"extra":          extra,
	}).Warn("slow report")
}

func cacheGet[T any](ctx context.Context, key string, dest *T) (bool, error) {
	if !reportCacheEnabled() {
		return false, nil
	}
	return config.GetRedisObject(ctx, key, dest)
}

func cacheSet(ctx context.Context, key string, obj any) {
	if !reportCacheEnabled() {
		return
	}
	if err := config.SetRedisObject(ctx, key, obj, reportCacheTTL()); err != nil {
		config.GetLogger().WithError(err).WithField("key", key).Warn("report cache write failed")
	}
}

func reportCacheKey(parts ...string) string {
	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "default"
	}
	return "report:" + env + ":" + strings.Join(parts, ":")
}
