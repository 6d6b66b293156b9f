package guardian

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

const (
	NameSentra = "sentra"
	NameVita   = "vita"
	NameSolin  = "solin"
)

// EventReceiver is the uniform entry point fed by the audit stream.
type EventReceiver interface {
	ReceiveEvent(ctx context.Context, action string, metadata model.JSONMap)
}

// SafeModeController is the part of Solin the other guardians depend on.
type SafeModeController interface {
	ActivateSafeMode(ctx context.Context, reason string, observation model.JSONMap) error
	IsSafeModeEnabled(ctx context.Context) bool
	ReceiveEvent(ctx context.Context, action string, metadata model.JSONMap, routeToSentra, routeToVita bool)
}

// Config holds the thresholds shared by a tenant's triad.
type Config struct {
	SecurityFailureThreshold int
	RepairThreshold          int
	ObservationThreshold     int
	ObservationWindow        time.Duration
	StuckTimeout             time.Duration
	SafeModeCacheTTL         time.Duration
	SafeModeFailClosed       bool
	AllowedDomains           []string
}

func (c Config) withDefaults() Config {
	if c.SecurityFailureThreshold <= 0 {
		c.SecurityFailureThreshold = 3
	}
	if c.RepairThreshold <= 0 {
		c.RepairThreshold = 3
	}
	if c.ObservationThreshold <= 0 {
		c.ObservationThreshold = 5
	}
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = 15 * time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = time.Hour
	}
	if c.SafeModeCacheTTL <= 0 {
		c.SafeModeCacheTTL = 30 * time.Second
	}
	return c
}

// recoverGuardian swallows a panic raised while a guardian handles an event.
func recoverGuardian(log *logger.Logger, guardian string, tenantID uuid.UUID) {
	if r := recover(); r != nil {
		log.Error(fmt.Errorf("panic: %v", r), "Guardian recovered from panic",
			"guardian", guardian,
			"tenant_id", tenantID.String())
	}
}

func errorText(metadata model.JSONMap) string {
	return strings.ToLower(metadata.String("error"))
}
