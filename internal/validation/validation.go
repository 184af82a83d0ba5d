// Package validation provides input validation helpers for the Fraudscan API.
package validation

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (4MB; transaction batches
// can be large)
const MaxRequestSize = 4 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxBatchSize is the hard cap on transactions per analysis request,
// independent of tier limits
const MaxBatchSize = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidLatitude reports whether lat is within [-90, 90].
func ValidLatitude(lat float64) bool {
	return lat >= -90 && lat <= 90
}

// ValidLongitude reports whether lng is within [-180, 180].
func ValidLongitude(lng float64) bool {
	return lng >= -180 && lng <= 180
}

// ValidCoordinates reports whether both components are in range.
func ValidCoordinates(lat, lng float64) bool {
	return ValidLatitude(lat) && ValidLongitude(lng)
}

// IsValidIP reports whether s parses as an IPv4 or IPv6 address.
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// ValidCoords checks optional coordinates for range
func ValidCoords(field string, lat, lng float64) func() *ValidationError {
	return func() *ValidationError {
		if !ValidCoordinates(lat, lng) {
			return &ValidationError{Field: field, Message: "coordinates out of range"}
		}
		return nil
	}
}

// PositiveAmount checks that a monetary amount is not negative
func PositiveAmount(field string, amount float64) func() *ValidationError {
	return func() *ValidationError {
		if amount < 0 {
			return &ValidationError{Field: field, Message: "must be non-negative"}
		}
		return nil
	}
}
