package webhook

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/mail-guardian/pkg/circuitbreaker"
)

// KeySource resolves the RSA key a token was signed with.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// JWKSProvider fetches the issuer's published key set and caches each key by
// kid. Fetches go through a circuit breaker so a provider outage fails fast.
type JWKSProvider struct {
	url     string
	client  *http.Client
	cache   *gocache.Cache
	breaker *circuitbreaker.CircuitBreaker
}

func NewJWKSProvider(url string, ttl time.Duration, client *http.Client) *JWKSProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSProvider{
		url:    url,
		client: client,
		cache:  gocache.New(ttl, 2*ttl),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "jwks",
			MaxFailures: 3,
			Timeout:     30 * time.Second,
		}),
	}
}

func (p *JWKSProvider) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := p.cache.Get(kid); ok {
		return key.(*rsa.PublicKey), nil
	}

	err := p.breaker.Execute(func() error {
		return p.refresh(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}

	if key, ok := p.cache.Get(kid); ok {
		return key.(*rsa.PublicKey), nil
	}
	return nil, fmt.Errorf("no key with kid %q in key set", kid)
}

func (p *JWKSProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := parseRSAKey(k)
		if err != nil {
			continue
		}
		p.cache.SetDefault(k.Kid, key)
	}
	return nil
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eb)
	if !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(e.Int64())}, nil
}
