// Package identity derives deterministic remittance identifiers so that
// replaying a window lands on the same ledger row.
package identity

import (
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Namespace is the UUIDv5 namespace for remittance identities. Changing it
// re-keys every ledger row.
var Namespace = uuid.MustParse("5b0c9a3e-7d7f-4c59-9d7e-2f3d8c1a6b41")

var ErrInvalidArgument = errors.New("invalid_argument")

// GenerateID returns the UUIDv5 identity of an (org, product, metric) tuple.
// Metered products also hash the billing account, which must be present; the
// empty string is a valid and distinct account. Non-metered products ignore it.
func GenerateID(orgID, productID, metricID string, billingAccountID *string, metered bool) (uuid.UUID, error) {
	if orgID == "" || productID == "" || metricID == "" {
		return uuid.Nil, ErrInvalidArgument
	}

	parts := []string{orgID, productID, metricID}
	if metered {
		if billingAccountID == nil {
			return uuid.Nil, errors.Join(ErrInvalidArgument, errors.New("billing account is required for metered products"))
		}
		parts = append(parts, *billingAccountID)
	}
	return uuid.NewSHA1(Namespace, canonical(parts...)), nil
}

// RemittanceID scopes a tuple identity to one billing provider, billing
// account and remittance period, the start of the window the amount was
// accumulated in. The account is always part of the scope so two accounts
// of a non-metered product still get separate ledger rows.
func RemittanceID(base uuid.UUID, billingProvider, billingAccountID, period string) uuid.UUID {
	return uuid.NewSHA1(base, canonical(billingProvider, billingAccountID, period))
}

func canonical(parts ...string) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return []byte(b.String())
}
