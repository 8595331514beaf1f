package domain

// ErrorCode explains why a billing provider rejected a remittance.
type ErrorCode string

const (
	ErrorCodeInactive               ErrorCode = "INACTIVE"
	ErrorCodeRedundant              ErrorCode = "REDUNDANT"
	ErrorCodeSubscriptionNotFound   ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	ErrorCodeSubscriptionTerminated ErrorCode = "SUBSCRIPTION_TERMINATED"
	ErrorCodeMarketplaceRateLimit   ErrorCode = "MARKETPLACE_RATE_LIMIT"
	ErrorCodeUsageContextLookup     ErrorCode = "USAGE_CONTEXT_LOOKUP"
	ErrorCodeUnknown                ErrorCode = "UNKNOWN"
)

func (c ErrorCode) Valid() bool {
	switch c {
	case ErrorCodeInactive,
		ErrorCodeRedundant,
		ErrorCodeSubscriptionNotFound,
		ErrorCodeSubscriptionTerminated,
		ErrorCodeMarketplaceRateLimit,
		ErrorCodeUsageContextLookup,
		ErrorCodeUnknown:
		return true
	default:
		return false
	}
}

// Retryable reports whether a remittance failing with c should be resubmitted.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorCodeMarketplaceRateLimit, ErrorCodeUsageContextLookup, ErrorCodeUnknown:
		return true
	case ErrorCodeInactive, ErrorCodeRedundant, ErrorCodeSubscriptionNotFound, ErrorCodeSubscriptionTerminated:
		return false
	default:
		return false
	}
}

func (c ErrorCode) Ptr() *ErrorCode {
	return &c
}
