package controllers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var codes = validator.New()

// RegisterValidators adds the custom binding tags used by the request models.
// Call once before serving.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin validator engine is not go-playground/validator")
	}
	return v.RegisterValidation("currency", validateCurrency)
}

// validateCurrency accepts ISO 4217 codes in either case; Stripe wants them lowercased.
func validateCurrency(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if len(code) != 3 {
		return false
	}
	return codes.Var(strings.ToUpper(code), "iso4217") == nil
}
