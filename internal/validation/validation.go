// Package validation provides input validation helpers and middleware for the booking API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// idRegex accepts UUIDs and prefixed hex IDs such as wd_3f9a...
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// timeRegex validates 24h HH:MM slot times
	timeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like an entity ID
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that a whole-unit amount is greater than zero
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeAmount checks that a whole-unit amount is zero or more
func NonNegativeAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "cannot be negative"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed values
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// ValidDate checks a YYYY-MM-DD date
func ValidDate(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return &ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD format"}
		}
		return nil
	}
}

// ValidTime checks an HH:MM time
func ValidTime(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !timeRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a time in HH:MM format"}
		}
		return nil
	}
}

// ValidCoordinates checks a latitude/longitude pair
func ValidCoordinates(field string, lat, lng float64) func() *ValidationError {
	return func() *ValidationError {
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return &ValidationError{Field: field, Message: "coordinates out of range"}
		}
		return nil
	}
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id contains invalid characters",
			})
			return
		}
		c.Next()
	}
}
