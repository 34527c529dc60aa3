// internal/middleware/rate_limit.go
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

const visitorIdleTTL = 3 * time.Minute

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges anonymous traffic per address.
func ByClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// ByEntity charges authenticated traffic per business entity, so colleagues
// behind one NAT share a ledger budget while separate entities do not.
// Falls back to the client address before AuthRequired has run.
func ByEntity(c *gin.Context) string {
	if entityID, ok := c.Get("entity_id"); ok {
		if s, _ := entityID.(string); s != "" {
			return "entity:" + s
		}
	}
	return ByClientIP(c)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	mtx     sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	key     KeyFunc
}

func NewRateLimiter(r rate.Limit, burst int, key KeyFunc) *RateLimiter {
	if key == nil {
		key = ByClientIP
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		key:     key,
	}

	go rl.evictIdle()

	return rl
}

func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mtx.Lock()
		for k, b := range rl.buckets {
			if time.Since(b.lastSeen) > visitorIdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.mtx.Unlock()
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// retryAfter is the whole number of seconds until one token refills.
func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 || rl.rate == rate.Inf {
		return 60
	}
	return int(math.Ceil(1 / float64(rl.rate)))
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(rl.key(c)).Allow() {
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
			utils.ErrorResponse(c, http.StatusTooManyRequests, string(apperrors.CodeRateLimit),
				"Rate limit exceeded. Please try again later.", nil)
			c.Abort()
			return
		}

		c.Next()
	}
}

var (
	generalLimiter = NewRateLimiter(rate.Every(100*time.Millisecond), 20, ByClientIP)
	authLimiter    = NewRateLimiter(rate.Every(12*time.Second), 5, ByClientIP)
	ledgerLimiter  = NewRateLimiter(rate.Every(500*time.Millisecond), 4, ByEntity)
)

func GeneralRateLimit() gin.HandlerFunc {
	return generalLimiter.Middleware()
}

func AuthRateLimit() gin.HandlerFunc {
	return authLimiter.Middleware()
}

// LedgerRateLimit throttles endpoints that submit ledger transactions. It
// must be installed after AuthRequired.
func LedgerRateLimit() gin.HandlerFunc {
	return ledgerLimiter.Middleware()
}
