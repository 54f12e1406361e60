package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"flashoffer-dispatch/internal/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateDispatchRequest checks the shape of a POST /dispatch body and
// returns the request with its offer id normalized to lower case.
func ValidateDispatchRequest(req models.DispatchRequest) (models.DispatchRequest, error) {
	req.OfferID = SanitizeString(req.OfferID)
	if err := ValidateUUID(req.OfferID, "offerId"); err != nil {
		return req, err
	}
	req.OfferID = strings.ToLower(req.OfferID)
	return req, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateUUID accepts only the canonical 36-character hyphenated form.
func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if len(id) != 36 {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID",
		}
	}

	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID",
		}
	}

	return nil
}

// ValidateClock parses an "HH:MM" wall clock time and returns minutes since
// midnight.
func ValidateClock(value, fieldName string) (int, error) {
	if len(value) != 5 || value[2] != ':' {
		return 0, &ValidationError{Field: fieldName, Message: "must be HH:MM"}
	}
	h, errH := strconv.Atoi(value[:2])
	m, errM := strconv.Atoi(value[3:])
	if errH != nil || errM != nil {
		return 0, &ValidationError{Field: fieldName, Message: "must be HH:MM"}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, &ValidationError{Field: fieldName, Message: "out of range"}
	}
	return h*60 + m, nil
}
