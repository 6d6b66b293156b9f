package webhook

import (
	"fmt"
	"net/http"

	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
)

type VerificationErrorKind string

const (
	KindMalformedToken   VerificationErrorKind = "malformed_token"
	KindInvalidIssuer    VerificationErrorKind = "invalid_issuer"
	KindInvalidAudience  VerificationErrorKind = "invalid_audience"
	KindInvalidSubject   VerificationErrorKind = "invalid_subject"
	KindExpired          VerificationErrorKind = "expired"
	KindIssuedInFuture   VerificationErrorKind = "issued_in_future"
	KindInvalidSignature VerificationErrorKind = "invalid_signature"
	KindKeyUnavailable   VerificationErrorKind = "key_unavailable"
)

// VerificationError rejects a push token. It always maps to 401.
type VerificationError struct {
	Kind VerificationErrorKind
	// Claim is the offending value as it may appear in the audit log.
	Claim string
	Err   error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token verification failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token verification failed (%s)", e.Kind)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) StatusCode() int { return http.StatusUnauthorized }

var (
	ErrReplay           = apperrors.NewConflict("notification replay detected", nil)
	ErrMalformedPayload = apperrors.NewBadRequest("malformed notification payload", nil)
	ErrMissingToken     = &VerificationError{Kind: KindMalformedToken, Err: fmt.Errorf("missing bearer token")}
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
