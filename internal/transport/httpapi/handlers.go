package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

func (s *Server) handleCreate(c *gin.Context) {
	var draft kit.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	n, err := s.eng.CreateAndRoute(c.Request.Context(), draft)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (s *Server) handleAck(c *gin.Context) {
	id := c.Param("id")
	by := c.GetString(ctxPrincipalID)

	if err := s.eng.Acknowledge(c.Request.Context(), id, by); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

func (s *Server) handleListUnread(c *gin.Context) {
	principal := c.GetString(ctxPrincipalID)
	// Bad limits fall back to the default rather than erroring.
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := s.eng.ListUnread(c.Request.Context(), principal, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []kit.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id := c.Param("id")
	principal := c.GetString(ctxPrincipalID)

	if err := s.eng.MarkRead(c.Request.Context(), id, principal); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": id})
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	principal := c.GetString(ctxPrincipalID)

	count, err := s.eng.MarkAllRead(c.Request.Context(), principal)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	// Audit records name principals and tenants; only admins may read them.
	kind := c.GetString(ctxKind)
	if kind != string(kit.KindPlatformAdmin) && kind != string(kit.KindTenantAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	trail, err := s.eng.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if trail == nil {
		trail = []kit.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": trail})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

// writeError maps engine sentinels onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, kit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, kit.ErrAlreadyAcked):
		c.JSON(http.StatusConflict, gin.H{"error": "already acknowledged"})
	case errors.Is(err, kit.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case errors.Is(err, kit.ErrDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, kit.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
