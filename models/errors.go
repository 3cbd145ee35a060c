package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/serviciudad/activos_backend/utils"
)

var (
	ErrInspectionNotFound = errors.New("inspection not found")
	ErrAssetNotFound      = errors.New("asset not found")

	// ErrInvalidTransition is returned when an operation is not legal in the
	// inspection's current status.
	ErrInvalidTransition = errors.New("invalid inspection status transition")

	// ErrInspectionStateChanged means a conditional update matched no row:
	// somebody else moved the inspection first.
	ErrInspectionStateChanged = errors.New("inspection status changed concurrently")

	ErrDocumentCounterContention = errors.New("document counter contention, could not mint a number")
	ErrDocumentCounterExhausted  = errors.New("document counter exhausted for the year")
	ErrActaGenerationInProgress  = errors.New("acta generation in progress")
)

// ValidationError carries field => problem pairs back to the caller.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, problem := range e.Fields {
		parts = append(parts, field+": "+problem)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func newValidationError(field, problem string) error {
	return &ValidationError{Fields: map[string]string{field: problem}}
}

func validateInput(input any) error {
	if err := utils.ValidateStruct(input); err != nil {
		return &ValidationError{Fields: utils.ProcessValidationErrors(err)}
	}
	return nil
}

func transitionError(op string, from InspectionStatus) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, op, from)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
