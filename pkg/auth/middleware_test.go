package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(p))
	})
}

func serve(h http.Handler, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AuthenticatesAndGrantsRoles(t *testing.T) {
	v := NewJWTValidator("s3cret", "vagus")
	reg := authority.NewRegistry()
	h := NewMiddleware(v, reg)(echoPrincipal())

	tok, err := v.Sign("planner-1", []string{"planner", "emperor"}, time.Minute)
	require.NoError(t, err)

	rec := serve(h, "/v1/brake/issue", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "planner-1", rec.Body.String())
	assert.Equal(t, []authority.Role{authority.RolePlanner}, reg.RolesOf("planner-1"), "unknown roles ignored")
}

func TestMiddleware_Rejections(t *testing.T) {
	v := NewJWTValidator("s3cret", "vagus")
	h := NewMiddleware(v, authority.NewRegistry())(echoPrincipal())

	expired, err := v.Sign("p", nil, -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewJWTValidator("other", "vagus").Sign("p", nil, time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewJWTValidator("s3cret", "elsewhere").Sign("p", nil, time.Minute)
	require.NoError(t, err)
	system, err := v.Sign(string(authority.SystemReflex), nil, time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Sign("", nil, time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, VagusClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "p", Issuer: "vagus"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	cases := map[string]string{
		"missing header": "",
		"basic scheme":   "Basic abc",
		"garbage":        "Bearer not.a.jwt",
		"expired":        "Bearer " + expired,
		"wrong key":      "Bearer " + otherKey,
		"wrong issuer":   "Bearer " + otherIssuer,
		"system subject": "Bearer " + system,
		"no subject":     "Bearer " + noSubject,
		"no expiry":      "Bearer " + noExpiry,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, "/v1/executors/1/state", header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestMiddleware_FailsClosedWithoutSecret(t *testing.T) {
	assert.Nil(t, NewJWTValidator("", "vagus"))
	h := NewMiddleware(nil, authority.NewRegistry())(echoPrincipal())

	assert.Equal(t, http.StatusUnauthorized, serve(h, "/v1/tokens/1", "Bearer anything").Code)
	// Public paths pass through without a principal.
	assert.Equal(t, http.StatusTeapot, serve(h, "/health", "").Code)
}

func TestValidator_RejectsOtherAlgorithms(t *testing.T) {
	v := NewJWTValidator("s3cret", "")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, VagusClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "p",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Validate(tok)
	assert.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(httptest.NewRequest(http.MethodGet, "/", nil).Context(), contracts.Principal("ops"))
	p, err := GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.Principal("ops"), p)

	var nilValidator *JWTValidator
	_, err = nilValidator.Validate("x")
	assert.Error(t, err)
}
