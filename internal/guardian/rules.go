package guardian

import (
	"regexp"
	"strings"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

const (
	ViolationHallucination   = "ai_hallucination"
	ViolationPromptInjection = "prompt_injection"
	ViolationAuthorization   = "authorization_violation"
	ViolationAuthentication  = "authentication_violation"
	ViolationInventedDetails = "invented_details"
	ViolationPromptReveal    = "system_prompt_reveal"
	ViolationExternalURLs    = "external_urls"
	ViolationSecurity        = "security_violation"
)

var (
	promptRevealPhrases  = []string{"system prompt", "here is my system", "i am an ai assistant"}
	hallucinationPhrases = []string{"i'm not sure but", "i believe", "probably"}
	urlPattern           = regexp.MustCompile(`https?://[^\s]+`)
	pricePattern         = regexp.MustCompile(`\$\d+`)
	clockPattern         = regexp.MustCompile(`\d{1,2}:\d{2}\s*(AM|PM|am|pm)`)
)

type Violation struct {
	Type     string         `json:"type"`
	Severity model.Severity `json:"severity"`
	URLs     []string       `json:"urls,omitempty"`
}

// SeverityFor maps a violation type onto the severity stored with the tag.
func SeverityFor(violationType string) model.Severity {
	switch violationType {
	case ViolationHallucination, ViolationPromptInjection, ViolationAuthorization,
		ViolationAuthentication, ViolationInventedDetails, ViolationPromptReveal:
		return model.SeverityHigh
	case ViolationExternalURLs:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// StaticRules scans outbound text. It holds no state besides its allow list.
type StaticRules struct {
	allowedDomains []string
}

func NewStaticRules(allowedDomains []string) *StaticRules {
	return &StaticRules{allowedDomains: allowedDomains}
}

func (r *StaticRules) Check(text string) []Violation {
	var violations []Violation
	lower := strings.ToLower(text)

	if containsAny(lower, promptRevealPhrases) {
		violations = append(violations, Violation{Type: ViolationPromptReveal, Severity: SeverityFor(ViolationPromptReveal)})
	}
	if containsAny(lower, hallucinationPhrases) {
		violations = append(violations, Violation{Type: ViolationHallucination, Severity: SeverityFor(ViolationHallucination)})
	}
	if urls := r.externalURLs(text); len(urls) > 0 {
		violations = append(violations, Violation{Type: ViolationExternalURLs, Severity: SeverityFor(ViolationExternalURLs), URLs: urls})
	}
	if pricePattern.MatchString(text) || clockPattern.MatchString(text) {
		violations = append(violations, Violation{Type: ViolationInventedDetails, Severity: SeverityFor(ViolationInventedDetails)})
	}
	return violations
}

func (r *StaticRules) externalURLs(text string) []string {
	var out []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		if !containsAny(u, r.allowedDomains) {
			out = append(out, u)
		}
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
