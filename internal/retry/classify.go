package retry

import (
	"context"
	"errors"

	"github.com/wasilibs/go-re2"
)

// Category groups errors by likely cause.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategoryNotFound   Category = "not_found"
	CategoryValidation Category = "validation"
	CategoryRuntime    Category = "runtime"
	CategoryUnknown    Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the result of Classify.
type Classification struct {
	Category  Category
	Severity  Severity
	Retryable bool
	Message   string
}

type classRule struct {
	pattern   *re2.Regexp
	category  Category
	severity  Severity
	retryable bool
}

// Rules are tried in order; the first match wins.
var classRules = []classRule{
	{
		pattern:   re2.MustCompile(`(?i)(timeout|timed out|etimedout|deadline exceeded)`),
		category:  CategoryTimeout,
		severity:  SeverityMedium,
		retryable: true,
	},
	{
		pattern: re2.MustCompile(`(?i)(econnreset|econnrefused|enotfound|eai_again|connection (reset|refused|closed)|` +
			`no such host|network|dns|socket hang up|broken pipe|unreachable|rate limit|too many requests|\b429\b)`),
		category:  CategoryNetwork,
		severity:  SeverityMedium,
		retryable: true,
	},
	{
		pattern:   re2.MustCompile(`(?i)(permission denied|eacces|eperm|forbidden|unauthori[sz]ed|not permitted|access denied|not allowed)`),
		category:  CategoryPermission,
		severity:  SeverityHigh,
		retryable: false,
	},
	{
		pattern:   re2.MustCompile(`(?i)(not found|enoent|no such file|does not exist)`),
		category:  CategoryNotFound,
		severity:  SeverityLow,
		retryable: false,
	},
	{
		pattern:   re2.MustCompile(`(?i)(invalid|validation|malformed|required|must be|out of range|syntax)`),
		category:  CategoryValidation,
		severity:  SeverityLow,
		retryable: false,
	},
	{
		pattern:   re2.MustCompile(`(?i)(panic|runtime error|out of memory|segmentation fault|killed|exit (status|code))`),
		category:  CategoryRuntime,
		severity:  SeverityCritical,
		retryable: true,
	},
}

// Classify maps err to a category, severity and retry hint. Context
// cancellation is unknown and never retryable; deadline expiry is a timeout.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}
	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return Classification{Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true, Message: msg}
	case errors.Is(err, context.Canceled):
		return Classification{Category: CategoryUnknown, Severity: SeverityLow, Message: msg}
	case errors.Is(err, ErrCircuitOpen):
		return Classification{Category: CategoryRuntime, Severity: SeverityHigh, Retryable: true, Message: msg}
	}

	for _, rule := range classRules {
		if rule.pattern.MatchString(msg) {
			return Classification{
				Category:  rule.category,
				Severity:  rule.severity,
				Retryable: rule.retryable,
				Message:   msg,
			}
		}
	}
	return Classification{Category: CategoryUnknown, Severity: SeverityMedium, Message: msg}
}
