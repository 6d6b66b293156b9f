package model

import (
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskCounts holds the raw activity counters for one window.
type RiskCounts struct {
	UnsafeThreads   int `json:"unsafe_threads"`
	Retries         int `json:"retries"`
	RepairFailures  int `json:"repair_failures"`
	EmailsProcessed int `json:"emails_processed"`
}

type TenantRiskSnapshot struct {
	TenantID    uuid.UUID  `json:"tenant_id"`
	Window24h   RiskCounts `json:"window_24h"`
	Window7d    RiskCounts `json:"window_7d"`
	RiskScore   float64    `json:"risk_score"`
	RiskLevel   RiskLevel  `json:"risk_level"`
	GeneratedAt time.Time  `json:"generated_at"`
}
