package app

import (
	"equipment_lending/models"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterValidators adds the lending binding tags to gin's validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	if err := v.RegisterValidation("unitcondition", isUnitCondition); err != nil {
		return err
	}
	if err := v.RegisterValidation("trackingreport", isTrackingReport); err != nil {
		return err
	}
	if err := v.RegisterValidation("unitstatus", isUnitStatus); err != nil {
		return err
	}
	return nil
}

func isUnitCondition(fl validator.FieldLevel) bool {
	return models.Condition(fl.Field().String()).Valid()
}

func isUnitStatus(fl validator.FieldLevel) bool {
	return models.UnitStatus(fl.Field().String()).Valid()
}

// trackers report Safe or Lost; Unknown is only ever set by the presence sweep
func isTrackingReport(fl validator.FieldLevel) bool {
	s := models.TrackingStatus(fl.Field().String())
	return s == models.TrackingSafe || s == models.TrackingLost
}
