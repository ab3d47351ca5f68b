// Package validation checks API input.
//
// Field rules are go-playground/validator tags. The custom tags (entityid,
// asset, currency3, amount) are registered on a package validator used by
// the service layer and, through RegisterBindingTags, on gin's binding
// engine so request structs can declare them directly.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxStringLength caps free-text fields.
	MaxStringLength = 10000
	// MaxAmountScale is the most fractional digits accepted in an amount.
	MaxAmountScale = 18
)

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	assetPattern    = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)
)

// customTags maps each tag to its check and the message shown to callers.
var customTags = map[string]struct {
	fn  validator.Func
	msg string
}{
	"entityid":  {matches(idPattern), "must be 1-128 characters of letters, digits, _ . : -"},
	"currency3": {matches(currencyPattern), "must be a three-letter uppercase currency code"},
	"asset":     {matches(assetPattern), "must be an uppercase ticker of 2-12 characters"},
	"amount":    {isAmount, "must be a positive decimal with at most 18 fractional digits"},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	register(v)
	return v
}

func register(v *validator.Validate) {
	for tag, c := range customTags {
		_ = v.RegisterValidation(tag, c.fn) // only fails on an empty tag
	}
}

var bindingOnce sync.Once

// RegisterBindingTags adds the custom tags to gin's default validator. It
// must run before any handler binds a struct that uses them.
func RegisterBindingTags() {
	bindingOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			register(v)
		}
	})
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

func isAmount(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.ContainsAny(s, "eE") {
		return false
	}
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsPositive() && -d.Exponent() <= MaxAmountScale
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func IsValidID(id string) bool { return validate.Var(id, "entityid") == nil }
func IsValidCurrency(code string) bool { return validate.Var(code, "currency3") == nil }
func IsValidAsset(asset string) bool { return validate.Var(asset, "asset") == nil }
func isValidAmount(amount string) bool { return validate.Var(amount, "amount") == nil }
func hasMaxLength(s string, n int) bool { return utf8.RuneCountInString(s) <= n }
func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
func optional(s string, ok func(string) bool) bool { return s == "" || ok(s) }

// SanitizeString trims whitespace, drops NUL bytes and truncates to maxLen
// runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned by Validate. Error reports the first entry.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func rule(field string, ok bool, msg string) Rule {
	return func() *ValidationError {
		if ok {
			return nil
		}
		return &ValidationError{Field: field, Message: msg}
	}
}

// Required rejects empty or whitespace-only values.
func Required(field, value string) Rule {
	return rule(field, !isBlank(value), "is required")
}

// ValidID checks an identifier. Empty passes; combine with Required.
func ValidID(field, value string) Rule {
	return rule(field, optional(value, IsValidID), customTags["entityid"].msg)
}

// ValidCurrency checks an ISO 4217 style code. Empty passes.
func ValidCurrency(field, value string) Rule {
	return rule(field, optional(value, IsValidCurrency), customTags["currency3"].msg)
}

// ValidAsset checks an asset ticker. Empty passes.
func ValidAsset(field, value string) Rule {
	return rule(field, optional(value, IsValidAsset), customTags["asset"].msg)
}

// ValidAmount checks a positive decimal amount. Empty passes.
func ValidAmount(field, value string) Rule {
	return rule(field, optional(value, isValidAmount), customTags["amount"].msg)
}

// MaxLength rejects values longer than max runes.
func MaxLength(field, value string, max int) Rule {
	return rule(field, hasMaxLength(value, max), "exceeds maximum length")
}

// IDParamMiddleware rejects malformed path identifiers before they reach
// a handler.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); !optional(v, IsValidID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": p + " is not a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
