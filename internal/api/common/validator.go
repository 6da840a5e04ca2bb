package common

import (
	"github.com/go-playground/validator/v10"
)

// Validator plugs go-playground/validator into echo's Context.Validate
type Validator struct {
	validator *validator.Validate
}

// NewValidator creates a validator for request bodies
func NewValidator() *Validator {
	return &Validator{validator: validator.New()}
}

// Validate validates the struct
func (v *Validator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}
