// controllers/srv.go
package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"equipment_lending/app"
	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/lending"
	"equipment_lending/models"
	"equipment_lending/reconciler"
	"equipment_lending/session"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Sessions is the part of the session store the handlers use.
type Sessions interface {
	session.Reader
	RevokeAllForUser(ctx context.Context, userID string) error
}

type Srv struct {
	Repo     *db.Repo
	Engine   *lending.Engine
	Sweeps   *reconciler.Reconciler
	Sessions Sessions
	Throttle *app.Throttle
	Cfg      app.Config
	Log      *zap.Logger
}

func GetSrv(a *app.App) *Srv {
	return &Srv{
		Repo:     a.Repo,
		Engine:   a.Engine,
		Sweeps:   a.Reconciler,
		Sessions: a.Sessions,
		Throttle: a.Throttle,
		Cfg:      a.Config,
		Log:      a.Log.Named("api"),
	}
}

// --- helpers ---

// fail writes {"error","code"} with the status of the error kind.
func (s *Srv) fail(c *gin.Context, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		// 未分类的错误（repo 直接返回）
		switch {
		case errors.Is(err, db.ErrNotFound):
			err = apperrors.NotFound("not found")
		case errors.Is(err, db.ErrDuplicate):
			err = apperrors.Conflict(apperrors.ReasonDuplicate, "already exists")
		default:
			err = apperrors.Infra(err, c.FullPath())
		}
	}
	if apperrors.KindOf(err) == apperrors.KindInfrastructure {
		s.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(apperrors.HTTPStatus(err), app.H{
		"error": apperrors.PublicMessage(err),
		"code":  apperrors.ReasonOf(err),
	})
}

// bind decodes JSON and reports binding failures as INVALID.
func (s *Srv) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		msg := err.Error()
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		c.JSON(http.StatusBadRequest, app.H{"error": msg, "code": apperrors.ReasonInvalid})
		return false
	}
	return true
}

func me(c *gin.Context) *models.User { return app.CurrentUser(c) }

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return n
}
