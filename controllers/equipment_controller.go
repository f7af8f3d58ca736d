package controllers

import (
	"net/http"
	"strings"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
)

type EquipmentController struct{ *Srv }

func NewEquipmentController(s *Srv) *EquipmentController { return &EquipmentController{Srv: s} }

// GET /api/equipment?q=&status=&category=&page=&size=
func (ec *EquipmentController) List(c *gin.Context) {
	res, err := ec.Repo.ListEquipment(c.Request.Context(), db.EquipmentQuery{
		Q:        c.Query("q"),
		Status:   models.UnitStatus(c.Query("status")),
		Category: models.Category(c.Query("category")),
		Page:     queryInt(c, "page", 1),
		Size:     queryInt(c, "size", 20),
	})
	if err != nil {
		ec.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/equipment/:id
func (ec *EquipmentController) Get(c *gin.Context) {
	e, err := ec.Repo.FindEquipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		ec.fail(c, err)
		return
	}
	if e.RemovedAt != nil && !me(c).Can(models.CapManageEquipment) {
		ec.fail(c, apperrors.NotFound("equipment %s not found", e.ID))
		return
	}
	c.JSON(http.StatusOK, e)
}

type equipmentIn struct {
	Serial      string           `json:"serialNumber" binding:"required,max=120"`
	Name        string           `json:"name" binding:"required,max=200"`
	Category    models.Category  `json:"category" binding:"required,max=40"`
	Condition   models.Condition `json:"condition" binding:"omitempty,unitcondition"`
	Location    string           `json:"location" binding:"max=200"`
	TrackingTag string           `json:"trackingTag" binding:"max=120"`
}

// POST /api/equipment
func (ec *EquipmentController) Create(c *gin.Context) {
	var in equipmentIn
	if !ec.bind(c, &in) {
		return
	}
	u := &models.Equipment{
		Serial:    in.Serial,
		Name:      in.Name,
		Category:  in.Category,
		Condition: in.Condition,
		Location:  in.Location,
	}
	if tag := strings.TrimSpace(in.TrackingTag); tag != "" {
		u.TrackingTag = &tag
	}
	out, err := ec.Engine.RegisterUnit(c.Request.Context(), me(c), u)
	if err != nil {
		ec.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

type equipmentPatchIn struct {
	Name        *string          `json:"name" binding:"omitempty,min=1,max=200"`
	Category    *models.Category `json:"category" binding:"omitempty,min=1,max=40"`
	Location    *string          `json:"location" binding:"omitempty,max=200"`
	TrackingTag *string          `json:"trackingTag" binding:"omitempty,max=120"`
}

// PUT /api/equipment/:id
func (ec *EquipmentController) Update(c *gin.Context) {
	var in equipmentPatchIn
	if !ec.bind(c, &in) {
		return
	}
	if in.TrackingTag != nil {
		t := strings.TrimSpace(*in.TrackingTag)
		in.TrackingTag = &t
	}
	id := c.Param("id")
	err := ec.Repo.UpdateEquipmentDetails(c.Request.Context(), id, db.EquipmentPatch{
		Name:        in.Name,
		Category:    in.Category,
		Location:    in.Location,
		TrackingTag: in.TrackingTag,
	})
	if err != nil {
		ec.fail(c, err)
		return
	}
	e, err := ec.Repo.FindEquipment(c.Request.Context(), id)
	if err != nil {
		ec.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type statusIn struct {
	From models.UnitStatus `json:"from" binding:"required,unitstatus"`
	To   models.UnitStatus `json:"to" binding:"required,unitstatus"`
}

// PATCH /api/equipment/:id/status
func (ec *EquipmentController) ChangeStatus(c *gin.Context) {
	var in statusIn
	if !ec.bind(c, &in) {
		return
	}
	e, err := ec.Engine.ChangeUnitStatus(c.Request.Context(), me(c), c.Param("id"), in.From, in.To)
	if err != nil {
		ec.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// DELETE /api/equipment/:id
func (ec *EquipmentController) Remove(c *gin.Context) {
	if err := ec.Engine.RemoveUnit(c.Request.Context(), me(c), c.Param("id")); err != nil {
		ec.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
