package controllers

import (
	"net/http"

	"equipment_lending/lending"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
)

type IoTController struct{ *Srv }

func NewIoTController(s *Srv) *IoTController { return &IoTController{Srv: s} }

const lowBattery = 20

type trackerIn struct {
	DeviceID string                `json:"deviceId" binding:"required,max=120"`
	Status   models.TrackingStatus `json:"status" binding:"required,trackingreport"`
	Battery  *int                  `json:"batteryLevel" binding:"omitempty,min=0,max=100"`
	Location string                `json:"location" binding:"max=200"`
	Lat      *float64              `json:"lat" binding:"omitempty,latitude"`
	Lng      *float64              `json:"lng" binding:"omitempty,longitude"`
}

// POST /api/iot/update  (X-API-Key)
func (ic *IoTController) Update(c *gin.Context) {
	var in trackerIn
	if !ic.bind(c, &in) {
		return
	}
	// 心跳按 tag 节流；状态变化总会写入
	seen := ic.Throttle.Allow(c, "lend:heartbeat:"+in.DeviceID, ic.Cfg.HeartbeatThrottle)
	out, err := ic.Engine.ReportTracker(c.Request.Context(), lending.TrackerReport{
		Tag:        in.DeviceID,
		Status:     in.Status,
		Battery:    in.Battery,
		Location:   in.Location,
		Lat:        in.Lat,
		Lng:        in.Lng,
		RecordSeen: seen,
	})
	if err != nil {
		ic.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"equipmentId":    out.Unit.ID,
		"trackingStatus": out.Unit.TrackingStatus,
		"changed":        out.Changed,
		"recorded":       out.Recorded,
	})
}

type liveTracker struct {
	EquipmentID    string                `json:"equipmentId"`
	Serial         string                `json:"serialNumber"`
	Name           string                `json:"name"`
	Tag            string                `json:"trackingTag"`
	TrackingStatus models.TrackingStatus `json:"trackingStatus"`
	Online         bool                  `json:"online"`
	Battery        int                   `json:"batteryLevel"`
	LowBattery     bool                  `json:"lowBattery"`
	Location       string                `json:"location"`
	Geo            models.GeoPoint       `json:"geoCoordinates"`
}

// GET /api/iot/live
func (ic *IoTController) Live(c *gin.Context) {
	ctx := c.Request.Context()
	policy, err := ic.Repo.Policy(ctx)
	if err != nil {
		ic.fail(c, err)
		return
	}
	units, err := ic.Engine.TrackedUnits(ctx)
	if err != nil {
		ic.fail(c, err)
		return
	}
	now := ic.Engine.Now()
	var online, low int
	out := make([]liveTracker, 0, len(units))
	for i := range units {
		u := &units[i]
		lt := liveTracker{
			EquipmentID:    u.ID,
			Serial:         u.Serial,
			Name:           u.Name,
			Tag:            *u.TrackingTag,
			TrackingStatus: u.TrackingStatus,
			Online:         !lending.Silent(u, now, policy.PresenceTimeout()),
			Battery:        u.BatteryLevel,
			LowBattery:     u.BatteryLevel < lowBattery,
			Location:       u.Location,
			Geo:            u.Geo,
		}
		if lt.Online {
			online++
		}
		if lt.LowBattery {
			low++
		}
		out = append(out, lt)
	}
	c.JSON(http.StatusOK, gin.H{
		"trackers": out,
		"stats": gin.H{
			"total":      len(out),
			"online":     online,
			"offline":    len(out) - online,
			"lowBattery": low,
		},
	})
}
