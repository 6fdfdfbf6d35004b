package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sproutcare/notify-engine/internal/policy"
	"github.com/sproutcare/notify-engine/pkg/apikey"
	"github.com/sproutcare/notify-engine/pkg/jsonutil"
)

// Authenticator resolves a request's principal. Feature services submit
// with an API key; caregivers carry a JWT issued by the accounts service.
type Authenticator struct {
	apiKeySecret string
	apiKeyHashes map[string]bool
	jwtSecret    []byte
}

func NewAuthenticatorFromEnv() *Authenticator {
	a := &Authenticator{
		apiKeySecret: os.Getenv("API_KEY_SECRET"),
		apiKeyHashes: make(map[string]bool),
		jwtSecret:    []byte(os.Getenv("JWT_SECRET")),
	}
	// Comma-separated HMAC hashes of the accepted service keys.
	for _, h := range strings.Split(os.Getenv("SERVICE_API_KEY_HASHES"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			a.apiKeyHashes[h] = true
		}
	}
	return a
}

// Enabled reports whether any credentials are configured. With nothing
// configured the API runs open, which is only acceptable inside the
// cluster network.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeyHashes) > 0 || len(a.jwtSecret) > 0
}

type caregiverClaims struct {
	CaregiverID string `json:"caregiver_id"`
	FamilyID    string `json:"family_id"`
	jwt.RegisteredClaims
}

// Principal extracts the caller identity and roles from the request.
func (a *Authenticator) Principal(r *http.Request) (*policy.Context, error) {
	if !a.Enabled() {
		return &policy.Context{PrincipalID: "anonymous", Roles: []policy.Role{policy.RoleOperator}}, nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if !apikey.ValidateKeyFormat(key, "svc") {
			return nil, fmt.Errorf("malformed API key")
		}
		if !a.apiKeyHashes[apikey.HashKey(key, a.apiKeySecret)] {
			return nil, fmt.Errorf("unknown API key")
		}
		return &policy.Context{PrincipalID: "service", Roles: []policy.Role{policy.RoleService}}, nil
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		claims := &caregiverClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.jwtSecret, nil
		})
		if err != nil || !parsed.Valid {
			return nil, fmt.Errorf("invalid token")
		}
		return &policy.Context{
			PrincipalID: claims.CaregiverID,
			FamilyID:    claims.FamilyID,
			Roles:       []policy.Role{policy.RoleCaregiver},
		}, nil
	}

	return nil, fmt.Errorf("missing credentials")
}

// requirePolicy authenticates and authorizes one action, writing the
// error response itself on failure.
func (s *APIServer) requirePolicy(w http.ResponseWriter, r *http.Request, action policy.Action) *policy.Context {
	pctx, err := s.auth.Principal(r)
	if err != nil {
		jsonutil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}
	pctx.Action = action
	if err := policy.Require(r.Context(), s.policy, pctx); err != nil {
		jsonutil.WriteError(w, http.StatusForbidden, "Forbidden")
		return nil
	}
	return pctx
}
