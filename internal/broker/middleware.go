package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/store"
)

const agentContextKey = "broker.agent"

// agentFromContext retrieves the authenticated agent stashed by
// agentAuthMiddleware.
func agentFromContext(c *gin.Context) *store.Agent {
	v, ok := c.Get(agentContextKey)
	if !ok {
		return nil
	}
	a, _ := v.(*store.Agent)
	return a
}

// agentAuthMiddleware resolves the X-API-Key header to a registered agent
// (spec.md section 6: every agent-facing endpoint requires this header).
func (rt *Runtime) agentAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			failWith(c, http.StatusUnauthorized, "missing X-API-Key header")
			c.Abort()
			return
		}
		agent, err := rt.Store.GetAgentByAPIKey(c.Request.Context(), key)
		if err != nil {
			failWith(c, http.StatusUnauthorized, "invalid api key")
			c.Abort()
			return
		}
		c.Set(agentContextKey, agent)
		c.Next()
	}
}

// adminAuthMiddleware guards the /api/admin/* surface with the same
// X-API-Key header agents authenticate with, compared against the
// configured admin key instead of a per-agent one (spec.md section 6).
func (rt *Runtime) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rt.AdminAPIKey == "" {
			failWith(c, http.StatusForbidden, "admin surface disabled")
			c.Abort()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key != rt.AdminAPIKey {
			failWith(c, http.StatusUnauthorized, "invalid admin key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// adminRateLimitMiddleware protects the mutating admin surface from
// bursts, keyed by remote address (spec.md section 12 supplement).
func (rt *Runtime) adminRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rt.AdminLimiter == nil {
			c.Next()
			return
		}
		if !rt.AdminLimiter.Allow(c.Request.Context(), c.ClientIP()) {
			failWith(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs each request at Info with latency, status, and
// the resolved agent ID when present, mirroring the structured
// access-log shape used across the retrieved corpus.
func (rt *Runtime) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if a := agentFromContext(c); a != nil {
			fields = append(fields, zap.String("agent_id", a.AgentID))
		}
		rt.Logger.Info("request", fields...)
	}
}

// recoveryMiddleware converts a panic in a handler into a 500 instead of
// crashing the process, matching spec.md section 7's "the process
// degrades... but never discards in-flight state".
func (rt *Runtime) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				rt.Logger.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				failWith(c, http.StatusInternalServerError, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// touchHeartbeat applies the monotonic heartbeat update to both Store and
// the LoadBalancer's in-memory view, called on every authenticated agent
// request so polling itself counts as liveness (spec.md section 4.3).
func (rt *Runtime) touchHeartbeat(ctx context.Context, agentID string) {
	now := rt.Clock.Now()
	if err := rt.Store.TouchAgent(ctx, agentID, now); err != nil {
		rt.Logger.Warn("touch agent heartbeat failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if err := rt.LoadBalancer.Heartbeat(agentID, now); err != nil {
		rt.Logger.Warn("loadbalancer heartbeat failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
