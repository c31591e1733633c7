package changefeed

import "github.com/google/uuid"

// IDProviderFunc adapts a function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues time-ordered UUIDv7 audit identifiers, so audit rows sort by apply time.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		auditID, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return auditID.String(), nil
	})
}
