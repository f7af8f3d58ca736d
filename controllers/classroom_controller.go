package controllers

import (
	"net/http"
	"strings"

	"equipment_lending/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ClassroomController struct{ *Srv }

func NewClassroomController(s *Srv) *ClassroomController { return &ClassroomController{Srv: s} }

// GET /api/classrooms
func (cc *ClassroomController) List(c *gin.Context) {
	items, err := cc.Repo.ListClassrooms(c.Request.Context())
	if err != nil {
		cc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type classroomIn struct {
	Name      string `json:"name" binding:"required,max=120"`
	HasScreen bool   `json:"hasScreen"`
}

// POST /api/classrooms
func (cc *ClassroomController) Create(c *gin.Context) {
	var in classroomIn
	if !cc.bind(c, &in) {
		return
	}
	room := &models.Classroom{ID: uuid.NewString(), Name: strings.TrimSpace(in.Name), HasScreen: in.HasScreen}
	if err := cc.Repo.CreateClassroom(c.Request.Context(), room); err != nil {
		cc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

type classroomPatchIn struct {
	Name      *string `json:"name" binding:"omitempty,min=1,max=120"`
	HasScreen *bool   `json:"hasScreen"`
}

// PUT /api/classrooms/:id
func (cc *ClassroomController) Update(c *gin.Context) {
	var in classroomPatchIn
	if !cc.bind(c, &in) {
		return
	}
	if err := cc.Repo.UpdateClassroom(c.Request.Context(), c.Param("id"), in.Name, in.HasScreen); err != nil {
		cc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
