package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantguard/internal/config"
)

const testJWTSecret = "tenant-signing-secret"

func testTenantConfig(secret string) config.TenantConfig {
	return config.TenantConfig{Header: "X-Tenant-ID", JWTSecret: secret, JWTClaim: "tenant_id"}
}

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestTenantResolver(t *testing.T) {
	resolver := NewTenantResolver(testTenantConfig(testJWTSecret), discardLogger())
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		auth   string
		want   string
	}{
		{name: "no tenant", want: ""},
		{name: "header", header: "acme", want: "acme"},
		{name: "header is trimmed", header: "  acme  ", want: "acme"},
		{
			name: "bearer claim",
			auth: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "exp": exp}),
			want: "globex",
		},
		{
			name: "numeric claim",
			auth: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": 4711, "exp": exp}),
			want: "4711",
		},
		{
			name:   "header wins over claim",
			header: "acme",
			auth:   "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "exp": exp}),
			want:   "acme",
		},
		{
			name: "wrong secret is ignored",
			auth: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"tenant_id": "globex", "exp": exp}),
			want: "",
		},
		{
			name: "wrong algorithm is ignored",
			auth: "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "exp": exp}),
			want: "",
		},
		{
			name: "expired token is ignored",
			auth: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "exp": time.Now().Add(-time.Hour).Unix()}),
			want: "",
		},
		{name: "garbage token", auth: "Bearer not-a-jwt", want: ""},
		{name: "basic auth", auth: "Basic dXNlcjpwYXNz", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}

			var got string
			resolver.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = TenantIDFromContext(r.Context())
			})).ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTenantResolverSubject(t *testing.T) {
	resolver := NewTenantResolver(testTenantConfig(testJWTSecret), discardLogger())
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name       string
		header     string
		auth       string
		wantUser   string
		wantTenant string
	}{
		{
			name:       "subject and tenant from token",
			auth:       "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "sub": "user-42", "exp": exp}),
			wantUser:   "user-42",
			wantTenant: "globex",
		},
		{
			name:       "subject survives a tenant header",
			header:     "acme",
			auth:       "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex", "sub": "user-42", "exp": exp}),
			wantUser:   "user-42",
			wantTenant: "acme",
		},
		{
			name:       "invalid token carries no subject",
			header:     "acme",
			auth:       "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "user-42", "exp": exp}),
			wantTenant: "acme",
		},
		{name: "no token", header: "acme", wantTenant: "acme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}

			var user, tenant string
			resolver.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user = UserIDFromContext(r.Context())
				tenant = TenantIDFromContext(r.Context())
			})).ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantTenant, tenant)
		})
	}
}

func TestTenantResolverWithoutSecret(t *testing.T) {
	resolver := NewTenantResolver(config.TenantConfig{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"tenant_id": "globex"}))
	assert.Empty(t, resolver.Resolve(req))

	req.Header.Set("X-Tenant-ID", "acme")
	assert.Equal(t, "acme", resolver.Resolve(req))
}
