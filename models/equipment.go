// models/equipment.go
package models

import "time"

const EquipmentTable = "lend_equipment"

// UnitStatus is the physical state of one device. Future reservations are a
// property of transactions, never of the unit.
type UnitStatus string

const (
	UnitAvailable   UnitStatus = "Available"
	UnitCheckedOut  UnitStatus = "CheckedOut"
	UnitMaintenance UnitStatus = "Maintenance"
	UnitDamaged     UnitStatus = "Damaged"
	UnitLost        UnitStatus = "Lost"
)

func (s UnitStatus) Valid() bool {
	switch s {
	case UnitAvailable, UnitCheckedOut, UnitMaintenance, UnitDamaged, UnitLost:
		return true
	}
	return false
}

type Condition string

const (
	ConditionExcellent Condition = "Excellent"
	ConditionGood      Condition = "Good"
	ConditionFair      Condition = "Fair"
	ConditionPoor      Condition = "Poor"
	ConditionDamaged   Condition = "Damaged"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionExcellent, ConditionGood, ConditionFair, ConditionPoor, ConditionDamaged:
		return true
	}
	return false
}

type TrackingStatus string

const (
	TrackingSafe    TrackingStatus = "Safe"
	TrackingUnknown TrackingStatus = "Unknown"
	TrackingLost    TrackingStatus = "Lost"
)

func (s TrackingStatus) Valid() bool {
	return s == TrackingSafe || s == TrackingUnknown || s == TrackingLost
}

type Category string

const (
	CategoryLaptop     Category = "Laptop"
	CategoryProjector  Category = "Projector"
	CategoryCamera     Category = "Camera"
	CategoryMicrophone Category = "Microphone"
	CategoryTablet     Category = "Tablet"
	CategoryAudio      Category = "Audio"
	CategoryVideo      Category = "Video"
	CategoryRouter     Category = "Router"
	CategoryAccessory  Category = "Accessories"
	CategoryOther      Category = "Other"
)

type GeoPoint struct {
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
}

// Equipment is one physical, serial-numbered device.
type Equipment struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	Serial    string     `gorm:"size:120;uniqueIndex;not null" json:"serial"`
	Name      string     `gorm:"size:200;not null" json:"name"`
	Category  Category   `gorm:"size:40;index;not null" json:"category"`
	Status    UnitStatus `gorm:"size:20;index;not null;default:'Available'" json:"status"`
	Condition Condition  `gorm:"size:20;not null;default:'Good'" json:"condition"`
	Location  string     `gorm:"size:200" json:"location"`
	Geo       GeoPoint   `gorm:"embedded;embeddedPrefix:geo_" json:"geoCoordinates"`

	TrackingTag    *string        `gorm:"size:120;uniqueIndex" json:"trackingTag,omitempty"`
	TrackingStatus TrackingStatus `gorm:"size:20;not null;default:'Unknown'" json:"trackingStatus"`
	LastSeenAt     *time.Time     `json:"lastSeenAt,omitempty"`
	BatteryLevel   int            `gorm:"not null;default:100" json:"batteryLevel"`

	// Bumped by every write that adds an occupying window; see Repo.BumpBookingSeq.
	BookingSeq int64 `gorm:"not null;default:0" json:"-"`

	AddedBy   string     `gorm:"size:64" json:"addedBy,omitempty"`
	RemovedAt *time.Time `gorm:"index" json:"removedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Equipment) TableName() string { return EquipmentTable }

func (e *Equipment) Tracked() bool { return e.TrackingTag != nil && *e.TrackingTag != "" }
