package audit

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

var (
	sensitiveKeys = []string{
		"token", "password", "secret", "key", "api_key",
		"access_token", "refresh_token", "authorization",
	}
	tokenLike = regexp.MustCompile(`[A-Za-z0-9_-]{32,}`)
)

// Redact replaces a value with a short blake2b digest so redacted values can still
// be correlated across audit rows.
func Redact(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return "redacted:" + hex.EncodeToString(sum[:6])
}

// RedactMetadata returns a copy of m with sensitive keys and long token-like
// strings redacted. Nested maps are walked.
func RedactMetadata(m model.JSONMap) model.JSONMap {
	if m == nil {
		return model.JSONMap{}
	}
	out := make(model.JSONMap, len(m))
	for k, v := range m {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(RedactMetadata(val))
	case model.JSONMap:
		return RedactMetadata(val)
	case string:
		if isSensitiveKey(key) {
			return Redact(val)
		}
		if len(val) > 50 && tokenLike.MatchString(val) {
			return Redact(val)
		}
		return val
	default:
		if isSensitiveKey(key) {
			return "redacted"
		}
		return val
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
