package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
)

type VerifierConfig struct {
	TrustedIssuers []string
	ServiceAccount string
	ClockSkew      time.Duration
	// AudienceFor returns the registered push endpoint URL for a tenant.
	AudienceFor func(tenantID uuid.UUID) string
}

// TokenVerifier checks push tokens issued by the notification provider.
type TokenVerifier struct {
	cfg    VerifierConfig
	keys   KeySource
	audit  audit.Logger
	parser *jwt.Parser
	now    func() time.Time
}

func NewTokenVerifier(cfg VerifierConfig, keys KeySource, auditLog audit.Logger) *TokenVerifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 5 * time.Minute
	}
	return &TokenVerifier{
		cfg:    cfg,
		keys:   keys,
		audit:  auditLog,
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

// Verify runs the checks in a fixed order and stops at the first failure:
// issuer, audience, subject, expiry, issued-at, then the RS256 signature.
// Every failure is audit-logged; nothing else is mutated.
func (v *TokenVerifier) Verify(ctx context.Context, token string, tenantID uuid.UUID, traceID string) error {
	err := v.verify(ctx, token, tenantID)
	if err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			v.report(ctx, verr, tenantID, traceID)
		}
	}
	return err
}

func (v *TokenVerifier) verify(ctx context.Context, token string, tenantID uuid.UUID) error {
	if token == "" {
		return ErrMissingToken
	}

	claims := jwt.MapClaims{}
	unverified, _, err := v.parser.ParseUnverified(token, claims)
	if err != nil {
		return &VerificationError{Kind: KindMalformedToken, Err: err}
	}

	iss, _ := claims.GetIssuer()
	if !v.trustedIssuer(iss) {
		return &VerificationError{Kind: KindInvalidIssuer, Claim: iss, Err: fmt.Errorf("invalid issuer: %s", iss)}
	}

	expected := v.cfg.AudienceFor(tenantID)
	aud, _ := claims.GetAudience()
	if len(aud) != 1 || aud[0] != expected {
		got := fmt.Sprint([]string(aud))
		return &VerificationError{Kind: KindInvalidAudience, Claim: got, Err: fmt.Errorf("invalid audience: %s", got)}
	}

	sub, _ := claims.GetSubject()
	if sub != v.cfg.ServiceAccount {
		return &VerificationError{Kind: KindInvalidSubject, Claim: audit.Redact(sub), Err: errors.New("invalid subject")}
	}

	now := v.now()
	exp := numericTime(claims, "exp")
	if exp.Before(now.Add(-v.cfg.ClockSkew)) {
		return &VerificationError{Kind: KindExpired, Claim: exp.UTC().Format(time.RFC3339), Err: errors.New("token expired")}
	}

	iat := numericTime(claims, "iat")
	if iat.After(now.Add(v.cfg.ClockSkew)) {
		return &VerificationError{Kind: KindIssuedInFuture, Claim: iat.UTC().Format(time.RFC3339), Err: errors.New("token issued in future")}
	}

	kid, _ := unverified.Header["kid"].(string)
	key, err := v.keys.PublicKey(ctx, kid)
	if err != nil {
		return &VerificationError{Kind: KindKeyUnavailable, Claim: kid, Err: err}
	}

	_, err = jwt.Parse(token,
		func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return &VerificationError{Kind: KindInvalidSignature, Claim: kid, Err: err}
	}
	return nil
}

func (v *TokenVerifier) trustedIssuer(iss string) bool {
	for _, t := range v.cfg.TrustedIssuers {
		if iss == t {
			return true
		}
	}
	return false
}

func (v *TokenVerifier) report(ctx context.Context, verr *VerificationError, tenantID uuid.UUID, traceID string) {
	if v.audit == nil {
		return
	}
	v.audit.LogEvent(ctx, audit.Event{
		TenantID:     tenantID,
		Action:       model.AuditActionWebhookInvalid,
		ResourceType: model.AuditResourceWebhook,
		Level:        model.AuditLevelWarning,
		Metadata: model.JSONMap{
			"error": verr.Error(),
			"kind":  string(verr.Kind),
			"claim": verr.Claim,
		},
		TraceID: traceID,
	})
}

// numericTime reads a NumericDate claim; a missing claim reads as the epoch.
func numericTime(claims jwt.MapClaims, name string) time.Time {
	var (
		d   *jwt.NumericDate
		err error
	)
	switch name {
	case "exp":
		d, err = claims.GetExpirationTime()
	case "iat":
		d, err = claims.GetIssuedAt()
	}
	if err != nil || d == nil {
		return time.Unix(0, 0)
	}
	return d.Time
}
