package inspectionapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/serviciudad/activos_backend/utils"
)

const (
	HeaderCorrelationId = "x-correlation-id"
	HeaderUserId        = "x-user-id"
	HeaderUserName      = "x-user-name"
)

// CorrelationID attaches a correlation id to every request, reusing the
// caller's one when present.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// RequestActor copies the identity set by the upstream auth proxy, plus the
// client ip and user agent recorded with signatures, into the request context.
func RequestActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := strings.TrimSpace(c.GetHeader(HeaderUserId)); id != "" {
			ctx = utils.SetUserIdInContext(ctx, id)
		}
		if name := strings.TrimSpace(c.GetHeader(HeaderUserName)); name != "" {
			ctx = utils.SetUserNameInContext(ctx, name)
		}
		ctx = utils.SetClientIpInContext(ctx, c.ClientIP())
		ctx = utils.SetUserAgentInContext(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireActor(c *gin.Context) {
	if id, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok || id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
