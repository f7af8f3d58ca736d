package models

import "time"

const ClassroomTable = "lend_classrooms"

// Classroom is a room a unit can be taken to. HasScreen rooms already carry
// a fixed projector screen.
type Classroom struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"size:120;uniqueIndex;not null" json:"name"`
	HasScreen bool      `gorm:"not null;default:false" json:"hasScreen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Classroom) TableName() string { return ClassroomTable }
