package middleware

import (
	"fmt"
	"net/http"

	"github.com/gimo-ai/gimo-license-server/internal/metrics"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRateLimiter builds a per-client-IP rate limiting middleware. The rate
// uses the limiter format ("10-M" is ten per minute). With an empty redisURL
// counters live in process memory; a Redis URL shares them across replicas.
func NewRateLimiter(rate, redisURL string, logger zerolog.Logger) (gin.HandlerFunc, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit %q: %w", rate, err)
	}

	var store limiter.Store
	if redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		client := goredis.NewClient(opts)
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix: "ratelimit",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
		logger.Info().Str("rate", rate).Msg("rate limiting backed by redis")
	} else {
		store = memory.NewStore()
		logger.Info().Str("rate", rate).Msg("rate limiting backed by process memory")
	}

	instance := limiter.New(store, parsed)
	return mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		metrics.ValidationsTotal.WithLabelValues("rate_limited").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many validation attempts. Try again later.",
		})
	})), nil
}
