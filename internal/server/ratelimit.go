package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// perIPLimit is a token-bucket budget applied per caller IP. The polling
// fallback multiplies request volume when the WebSocket path degrades,
// so the read endpoint gets a budget instead of unbounded pulls; the
// publish endpoint gets a looser one against runaway publishers.
type perIPLimit struct {
	perSecond float64
	burst     int
}

var (
	publishLimit = perIPLimit{perSecond: 50, burst: 100}
	pollLimit    = perIPLimit{perSecond: 5, burst: 10}
)

// Idle buckets are evicted after this long; a polling client that went
// away stops costing memory.
const limiterBucketExpiry = 5 * time.Minute

func (l perIPLimit) middleware() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(l.perSecond),
			Burst:     l.burst,
			ExpiresIn: limiterBucketExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "request budget exhausted, retry later",
			})
		},
	})
}
