package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInvalidDateRange    = errors.New("invalid_date_range")
	ErrInvalidStatusUpdate = errors.New("invalid_status_update")
	ErrInvalidErrorCode    = errors.New("invalid_error_code")
	ErrDuplicateRemittance = errors.New("duplicate_remittance")
	ErrRemittanceNotFound  = errors.New("remittance_not_found")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrAmbiguousResetScope = errors.New("ambiguous_reset_scope")
)
