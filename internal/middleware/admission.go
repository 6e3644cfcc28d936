package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/asmrobot/CefNet-sub000/internal/logging"
)

// AdmissionConfig defines link admission limits.
type AdmissionConfig struct {
	// PerSecond is the sustained rate of new links per client address
	PerSecond float64
	// Burst is how many links a client may open at once
	Burst int
	// Idle is how long an unused bucket is kept
	Idle time.Duration
}

// DefaultAdmissionConfig returns the limits used when none are configured.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		PerSecond: 5,
		Burst:     10,
		Idle:      time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type admission struct {
	cfg    AdmissionConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

// Admission creates a per-address limiter for link upgrades. A
// non-positive rate disables it.
func Admission(cfg AdmissionConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.PerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return newAdmission(cfg, logger, time.Now).handle
}

func newAdmission(cfg AdmissionConfig, logger *zap.Logger, now func() time.Time) *admission {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultAdmissionConfig().Idle
	}
	return &admission{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("admission"),
		now:     now,
		buckets: make(map[string]*bucket),
		swept:   now(),
	}
}

func (a *admission) allow(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Sub(a.swept) >= a.cfg.Idle {
		for key, b := range a.buckets {
			if now.Sub(b.lastSeen) >= a.cfg.Idle {
				delete(a.buckets, key)
			}
		}
		a.swept = now
	}

	b, ok := a.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(a.cfg.PerSecond), a.cfg.Burst)}
		a.buckets[addr] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (a *admission) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

func (a *admission) handle(c *gin.Context) {
	addr := c.ClientIP()
	if !a.allow(addr) {
		a.logger.Warn("Link rejected", zap.String("client", addr))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "too many links",
		})
		return
	}
	c.Next()
}
