// Package validation provides input validation helpers for the HTTP
// surface.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies (1MB).
const MaxRequestSize = 1 << 20

var (
	addressRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	signatureRegex  = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{130}$`)
	identifierRegex = regexp.MustCompile(`^(0x)?([a-fA-F0-9]{40}|[a-fA-F0-9]{64})$`)
	amountRegex     = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,6})?$|^\.[0-9]{1,6}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks a 20-byte hex address.
func IsValidAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks a native address field. Empty values pass; pair
// with Required for mandatory fields.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidSignature checks a 65-byte hex signature field.
func ValidSignature(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !signatureRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 65-byte hex signature"}
		}
		return nil
	}
}

// ValidIdentifier checks a beneficiary identifier field: a 20-byte
// native address or a 32-byte foreign identifier, hex-encoded.
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !identifierRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 20 or 32 hex-encoded bytes"}
		}
		return nil
	}
}

// ValidAmount checks a positive decimal amount with at most 6
// fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !amountRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if strings.Trim(value, "0.") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeAmount is ValidAmount without the positivity requirement,
// for resolution shares that may legitimately be zero.
func NonNegativeAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !amountRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		return nil
	}
}
