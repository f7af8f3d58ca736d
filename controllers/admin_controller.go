package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"equipment_lending/apperrors"
	"equipment_lending/models"
	"equipment_lending/reconciler"

	"github.com/gin-gonic/gin"
)

// AdminController serves the lending policy, the audit trail and manual sweeps.
type AdminController struct{ *Srv }

func NewAdminController(s *Srv) *AdminController { return &AdminController{Srv: s} }

// GET /api/config
func (ac *AdminController) GetConfig(c *gin.Context) {
	p, err := ac.Repo.Policy(c.Request.Context())
	if err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type policyIn struct {
	MaxLoanHours           int `json:"maxLoanHours" binding:"required,gt=0"`
	LatePenaltyPerDay      int `json:"latePenaltyPerDay" binding:"required,gt=0"`
	OverdueSweepPenalty    int `json:"overdueSweepPenalty" binding:"required,gt=0"`
	PresenceTimeoutMinutes int `json:"presenceTimeoutMinutes" binding:"required,gt=0"`
}

// PUT /api/config
func (ac *AdminController) PutConfig(c *gin.Context) {
	var in policyIn
	if !ac.bind(c, &in) {
		return
	}
	ctx := c.Request.Context()
	p, err := ac.Repo.SavePolicy(ctx, models.LendingPolicy{
		MaxLoanHours:           in.MaxLoanHours,
		LatePenaltyPerDay:      in.LatePenaltyPerDay,
		OverdueSweepPenalty:    in.OverdueSweepPenalty,
		PresenceTimeoutMinutes: in.PresenceTimeoutMinutes,
	})
	if err != nil {
		ac.fail(c, err)
		return
	}
	_ = ac.Repo.AppendAudit(ctx, models.AuditPolicyChanged, me(c).ID,
		fmt.Sprintf("maxLoanHours=%d latePenaltyPerDay=%d overdueSweepPenalty=%d presenceTimeoutMinutes=%d",
			p.MaxLoanHours, p.LatePenaltyPerDay, p.OverdueSweepPenalty, p.PresenceTimeoutMinutes))
	c.JSON(http.StatusOK, p)
}

// GET /api/audit?action=&limit=
func (ac *AdminController) Audit(c *gin.Context) {
	items, err := ac.Repo.ListAudit(c.Request.Context(), c.Query("action"), queryInt(c, "limit", 50))
	if err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// POST /api/admin/sweeps/:job
func (ac *AdminController) RunSweep(c *gin.Context) {
	job, err := reconciler.ParseJob(c.Param("job"))
	if err != nil {
		ac.fail(c, apperrors.Validation("%s", err.Error()))
		return
	}
	rep, err := ac.Sweeps.Run(c.Request.Context(), job)
	if errors.Is(err, reconciler.ErrBusy) {
		ac.fail(c, apperrors.Conflict(apperrors.ReasonTransient, "%s sweep is already running", job))
		return
	}
	if err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
