package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

// ServiceAccountProvider validates HMAC-signed service tokens sent in
// x-service-token. Internal jobs (replay tooling, rollout dashboards) use
// them; a token with role admin may call the admin endpoints.
//
// Token format: base64url(JSON payload) + "." + base64url(HMAC-SHA256)
// Payload: {"sub": "rollout-dashboard", "tenant": "default", "role": "admin", "exp": 1234567890}
type ServiceAccountProvider struct {
	secret []byte
	now    func() time.Time
}

type serviceAccountPayload struct {
	Subject string `json:"sub"`
	Tenant  string `json:"tenant,omitempty"`
	Role    string `json:"role"`
	Exp     int64  `json:"exp"`
}

// NewServiceAccountProvider creates a provider. An empty secret disables it.
func NewServiceAccountProvider(secret string) *ServiceAccountProvider {
	return &ServiceAccountProvider{secret: []byte(secret), now: time.Now}
}

func (p *ServiceAccountProvider) Name() string  { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate returns (nil, nil) when no service token is present.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Service-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid service token: %w", err)
	}

	return &contracts.Identity{
		Subject:   "svc:" + payload.Subject,
		Provider:  p.Name(),
		Tenant:    payload.Tenant,
		Role:      payload.Role,
		ExpiresAt: time.Unix(payload.Exp, 0),
	}, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*serviceAccountPayload, error) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}
	payloadB64, sigB64 := token[:i], token[i+1:]

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, p.sign(payloadB64)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	var payload serviceAccountPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	if payload.Exp > 0 && p.now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if payload.Role == "" {
		payload.Role = contracts.RoleClient
	}
	return &payload, nil
}

func (p *ServiceAccountProvider) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// GenerateToken creates a signed service token. Used by the CLI and tests.
func GenerateToken(secret []byte, subject, tenant, role string, ttl time.Duration) (string, error) {
	payloadBytes, err := json.Marshal(serviceAccountPayload{
		Subject: subject,
		Tenant:  tenant,
		Role:    role,
		Exp:     time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)
	p := &ServiceAccountProvider{secret: secret}
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(p.sign(payloadB64)), nil
}
