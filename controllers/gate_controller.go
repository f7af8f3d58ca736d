package controllers

import (
	"net/http"
	"time"

	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
)

type GateController struct{ *Srv }

func NewGateController(s *Srv) *GateController { return &GateController{Srv: s} }

type heldUnit struct {
	TransactionID      string            `json:"transactionId"`
	EquipmentID        string            `json:"equipmentId"`
	Name               string            `json:"name,omitempty"`
	Serial             string            `json:"serialNumber,omitempty"`
	Status             models.LoanStatus `json:"status"`
	ExpectedReturnTime string            `json:"expectedReturnTime"`
}

// GET /api/gate/:studentId
// Allowed to leave only with nothing in hand.
func (gc *GateController) Check(c *gin.Context) {
	ctx := c.Request.Context()
	u, err := gc.Repo.FindUserByStudentID(ctx, c.Param("studentId"))
	if err != nil {
		gc.fail(c, err)
		return
	}
	loans, err := gc.Repo.ListTransactions(ctx, db.TransactionFilter{
		UserID:   u.ID,
		Statuses: models.PossessionStatuses,
	})
	if err != nil {
		gc.fail(c, err)
		return
	}
	held := make([]heldUnit, 0, len(loans))
	for _, t := range loans {
		h := heldUnit{
			TransactionID:      t.ID,
			EquipmentID:        t.EquipmentID,
			Status:             t.Status,
			ExpectedReturnTime: t.ExpectedReturnTime.UTC().Format(time.RFC3339),
		}
		if e, err := gc.Repo.FindEquipment(ctx, t.EquipmentID); err == nil {
			h.Name, h.Serial = e.Name, e.Serial
		}
		held = append(held, h)
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed":  len(held) == 0,
		"userId":   u.ID,
		"fullName": u.FullName,
		"held":     held,
	})
}
