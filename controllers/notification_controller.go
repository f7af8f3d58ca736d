package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type NotificationController struct{ *Srv }

func NewNotificationController(s *Srv) *NotificationController {
	return &NotificationController{Srv: s}
}

// GET /api/notifications
func (nc *NotificationController) List(c *gin.Context) {
	items, err := nc.Repo.ListNotifications(c.Request.Context(), me(c).ID, queryInt(c, "limit", 20))
	if err != nil {
		nc.fail(c, err)
		return
	}
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "unread": unread})
}

// POST /api/notifications/:id/read
func (nc *NotificationController) MarkRead(c *gin.Context) {
	if err := nc.Repo.MarkNotificationRead(c.Request.Context(), me(c).ID, c.Param("id")); err != nil {
		nc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/notifications/read-all
func (nc *NotificationController) MarkAllRead(c *gin.Context) {
	n, err := nc.Repo.MarkAllNotificationsRead(c.Request.Context(), me(c).ID)
	if err != nil {
		nc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
