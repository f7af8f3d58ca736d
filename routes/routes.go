package routes

import (
	"net/http"

	"equipment_lending/app"
	"equipment_lending/controllers"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, a *app.App) {
	Register(r, controllers.GetSrv(a))
}

// Register mounts every handler on r using the dependencies in s.
func Register(r *gin.Engine, s *controllers.Srv) {
	// 控制器
	tc := controllers.NewTransactionController(s)
	ec := controllers.NewEquipmentController(s)
	ic := controllers.NewIoTController(s)
	gc := controllers.NewGateController(s)
	uc := controllers.NewUserController(s)
	ac := controllers.NewAdminController(s)
	cc := controllers.NewClassroomController(s)
	nc := controllers.NewNotificationController(s)

	// 复用的中间件
	authMW := app.AuthRequired(s.Sessions, s.Repo)
	seenMW := app.TouchLastSeen(s.Repo, s.Throttle, s.Cfg.LastSeenThrottle)
	need := app.RequireCapability

	r.GET("/healthz", func(c *app.Ctx) { c.JSON(http.StatusOK, app.H{"ok": true}) })

	// ------------------------------
	// 设备上报（API Key，无会话）
	// ------------------------------
	r.POST("/api/iot/update", app.DeviceKey(s.Cfg.IoTAPIKey), ic.Update)

	api := r.Group("/api", authMW, seenMW)
	{
		api.GET("/me", uc.Me)
		api.POST("/logout", uc.Logout)
	}

	// ------------------------------
	// 借还 / 预约
	// ------------------------------
	tx := api.Group("/transactions")
	{
		tx.POST("", tc.Submit)
		tx.POST("/reserve", tc.Reserve)
		tx.GET("/mine", tc.Mine)
		tx.GET("/:id", tc.Get)
		tx.POST("/:id/request-return", tc.RequestReturn)
		tx.POST("/:id/cancel", tc.Cancel)

		tx.GET("", need(models.CapApproveLoans), tc.List) // ?status=&userId=&equipmentId=
		tx.POST("/:id/approve", need(models.CapApproveLoans), tc.Approve)
		tx.POST("/:id/deny", need(models.CapApproveLoans), tc.Deny)
		tx.POST("/checkin", need(models.CapCheckin), tc.Checkin)
		tx.POST("/:id/pickup", need(models.CapCheckin), tc.Pickup)
	}

	// ------------------------------
	// 设备
	// ------------------------------
	eq := api.Group("/equipment")
	{
		eq.GET("", ec.List)
		eq.GET("/:id", ec.Get)

		manage := eq.Group("", need(models.CapManageEquipment))
		manage.POST("", ec.Create)
		manage.PUT("/:id", ec.Update)
		manage.PATCH("/:id/status", ec.ChangeStatus)
		manage.DELETE("/:id", ec.Remove)
	}

	api.GET("/iot/live", need(models.CapReceiveAlerts), ic.Live)
	api.GET("/gate/:studentId", need(models.CapGateCheck), gc.Check)

	rooms := api.Group("/classrooms")
	{
		rooms.GET("", cc.List)
		rooms.POST("", need(models.CapManageClassrooms), cc.Create)
		rooms.PUT("/:id", need(models.CapManageClassrooms), cc.Update)
	}

	notes := api.Group("/notifications")
	{
		notes.GET("", nc.List)
		notes.POST("/read-all", nc.MarkAllRead)
		notes.POST("/:id/read", nc.MarkRead)
	}

	// ------------------------------
	// 用户与系统管理
	// ------------------------------
	users := api.Group("/users", need(models.CapManageUsers))
	{
		users.GET("", uc.ListUsers) // ?q=&page=&size=
		users.GET("/:id", uc.GetUser)
		users.PUT("/:id/role", uc.SetRole)
	}

	api.GET("/config", need(models.CapManageConfig), ac.GetConfig)
	api.PUT("/config", need(models.CapManageConfig), ac.PutConfig)
	api.GET("/audit", need(models.CapViewAudit), ac.Audit)
	api.POST("/admin/sweeps/:job", need(models.CapManageConfig), ac.RunSweep)
}
