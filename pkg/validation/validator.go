// Package validation registers the dispatch domain's custom binding rules
// on gin's validator engine.
package validation

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators installs the domain rules on gin's binding
// engine so request structs can use them in binding tags, for example
// `binding:"required,latitude"`. Registration is idempotent.
func RegisterCustomValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected gin validator engine %T", binding.Validator.Engine())
	}

	rules := map[string]validator.Func{
		"latitude":       validateLatitude,
		"longitude":      validateLongitude,
		"vehicle_tier":   validateVehicleTier,
		"payment_method": validatePaymentMethod,
		"driver_status":  validateDriverStatus,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %q: %w", tag, err)
		}
	}
	return nil
}

// validateLatitude checks if latitude is within valid range (-90 to 90)
func validateLatitude(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

// validateLongitude checks if longitude is within valid range (-180 to 180)
func validateLongitude(fl validator.FieldLevel) bool {
	lng := fl.Field().Float()
	return lng >= -180 && lng <= 180
}

func validateVehicleTier(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "ECONOMY", "PREMIUM", "XL":
		return true
	}
	return false
}

func validatePaymentMethod(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "CARD", "WALLET", "CASH":
		return true
	}
	return false
}

func validateDriverStatus(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "ONLINE", "OFFLINE", "ON_TRIP":
		return true
	}
	return false
}
