package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors maps each failing field to the validation tag it failed.
// Errors that are not validation errors come back under the "body" key.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["body"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// SplitList parses a comma separated flag or query value, dropping blanks and duplicates.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return UniqueSlice(out)
}
