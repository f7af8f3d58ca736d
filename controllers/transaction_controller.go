package controllers

import (
	"net/http"
	"strings"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/lending"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
)

type TransactionController struct{ *Srv }

func NewTransactionController(s *Srv) *TransactionController { return &TransactionController{Srv: s} }

type loanIn struct {
	UserID             string    `json:"userId"`
	EquipmentID        string    `json:"equipmentId" binding:"required,uuid"`
	StartTime          time.Time `json:"startTime"`
	ExpectedReturnTime time.Time `json:"expectedReturnTime"`
	Destination        string    `json:"destination" binding:"required,max=200"`
	Purpose            string    `json:"purpose" binding:"required,max=500"`
}

// POST /api/transactions
func (tc *TransactionController) Submit(c *gin.Context) {
	var in loanIn
	if !tc.bind(c, &in) {
		return
	}
	t, err := tc.Engine.SubmitLoan(c.Request.Context(), me(c), lending.LoanRequest{
		TargetUserID: in.UserID,
		EquipmentID:  in.EquipmentID,
		Start:        in.StartTime,
		End:          in.ExpectedReturnTime,
		Destination:  in.Destination,
		Purpose:      in.Purpose,
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// POST /api/transactions/reserve
func (tc *TransactionController) Reserve(c *gin.Context) {
	var in loanIn
	if !tc.bind(c, &in) {
		return
	}
	if in.StartTime.IsZero() {
		tc.fail(c, apperrors.Validation("startTime is required"))
		return
	}
	t, err := tc.Engine.Reserve(c.Request.Context(), me(c), lending.ReserveRequest{
		TargetUserID: in.UserID,
		EquipmentID:  in.EquipmentID,
		Start:        in.StartTime,
		End:          in.ExpectedReturnTime,
		Destination:  in.Destination,
		Purpose:      in.Purpose,
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

type decisionIn struct {
	Note string `json:"note" binding:"max=500"`
}

// POST /api/transactions/:id/approve
func (tc *TransactionController) Approve(c *gin.Context) {
	var in decisionIn
	_ = c.ShouldBindJSON(&in) // body 可选
	t, err := tc.Engine.Approve(c.Request.Context(), me(c), c.Param("id"), in.Note)
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// POST /api/transactions/:id/deny
func (tc *TransactionController) Deny(c *gin.Context) {
	var in decisionIn
	_ = c.ShouldBindJSON(&in)
	t, err := tc.Engine.Deny(c.Request.Context(), me(c), c.Param("id"), in.Note)
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// POST /api/transactions/:id/request-return
func (tc *TransactionController) RequestReturn(c *gin.Context) {
	t, err := tc.Engine.RequestReturn(c.Request.Context(), me(c), c.Param("id"))
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// POST /api/transactions/:id/cancel
func (tc *TransactionController) Cancel(c *gin.Context) {
	t, err := tc.Engine.Cancel(c.Request.Context(), me(c), c.Param("id"))
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// POST /api/transactions/:id/pickup
func (tc *TransactionController) Pickup(c *gin.Context) {
	t, err := tc.Engine.Pickup(c.Request.Context(), me(c), c.Param("id"))
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type checkinIn struct {
	TransactionID string           `json:"transactionId"`
	UserID        string           `json:"userId"`
	EquipmentID   string           `json:"equipmentId"`
	Condition     models.Condition `json:"condition" binding:"required,unitcondition"`
	Note          string           `json:"note" binding:"max=500"`
}

// POST /api/transactions/checkin
func (tc *TransactionController) Checkin(c *gin.Context) {
	var in checkinIn
	if !tc.bind(c, &in) {
		return
	}
	res, err := tc.Engine.Checkin(c.Request.Context(), me(c), lending.CheckinRequest{
		TransactionID: in.TransactionID,
		UserID:        in.UserID,
		EquipmentID:   in.EquipmentID,
		Condition:     in.Condition,
		Note:          in.Note,
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/transactions/mine?status=
func (tc *TransactionController) Mine(c *gin.Context) {
	items, err := tc.Repo.ListTransactions(c.Request.Context(), db.TransactionFilter{
		UserID:   me(c).ID,
		Statuses: statuses(c.Query("status")),
		Newest:   true,
		Limit:    queryInt(c, "limit", 50),
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GET /api/transactions/:id
func (tc *TransactionController) Get(c *gin.Context) {
	t, err := tc.Repo.FindTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		tc.fail(c, err)
		return
	}
	u := me(c)
	if t.UserID != u.ID && !u.Can(models.CapApproveLoans) && !u.Can(models.CapCheckin) {
		// 不暴露别人的记录是否存在
		tc.fail(c, apperrors.NotFound("transaction %s not found", t.ID))
		return
	}
	c.JSON(http.StatusOK, t)
}

// GET /api/transactions?status=Pending,Overdue&userId=&equipmentId=&page=&size=
func (tc *TransactionController) List(c *gin.Context) {
	page := queryInt(c, "page", 1)
	size := queryInt(c, "size", 50)
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 50
	}
	items, err := tc.Repo.ListTransactions(c.Request.Context(), db.TransactionFilter{
		UserID:      c.Query("userId"),
		EquipmentID: c.Query("equipmentId"),
		Statuses:    statuses(c.Query("status")),
		Newest:      true,
		Limit:       size,
		Offset:      (page - 1) * size,
	})
	if err != nil {
		tc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "page": page, "size": size})
}

func statuses(csv string) []models.LoanStatus {
	var out []models.LoanStatus
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, models.LoanStatus(s))
		}
	}
	return out
}
