package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/models"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

func identityEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		require.NotNil(t, identity)
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
			"user_id": identity.UserID,
			"role":    string(identity.Role),
			"sid":     identity.SessionID,
		})
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestAuthenticate(t *testing.T) {
	tm := newTokenManager(nil)
	access, err := tm.IssueAccessToken(testPayload)
	require.NoError(t, err)
	refresh, _, err := tm.IssueRefreshToken(testPayload)
	require.NoError(t, err)
	expired, err := newTokenManager(func() time.Time { return time.Now().Add(-time.Hour) }).IssueAccessToken(testPayload)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "valid bearer", header: "Bearer " + access, wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + access, wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantCode: "missing_token"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantCode: "missing_token"},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized, wantCode: "token_expired"},
		{name: "refresh token as access", header: "Bearer " + refresh, wantStatus: http.StatusUnauthorized, wantCode: "invalid_token"},
		{name: "garbage", header: "Bearer abc.def.ghi", wantStatus: http.StatusUnauthorized, wantCode: "invalid_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			auth.Authenticate(tm)(identityEcho(t)).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, testPayload.UserID, body["user_id"])
			assert.Equal(t, "AGENT", body["role"])
			assert.Equal(t, "sess-1", body["sid"])
		})
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	gate := auth.RequireRole(models.RoleAdmin, models.RoleAgent)(ok)

	t.Run("no identity", func(t *testing.T) {
		rec := httptest.NewRecorder()
		gate.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	for _, tc := range []struct {
		role models.Role
		want int
	}{
		{models.RoleAdmin, http.StatusNoContent},
		{models.RoleAgent, http.StatusNoContent},
		{models.RoleUser, http.StatusForbidden},
	} {
		t.Run(string(tc.role), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(auth.WithIdentity(req.Context(), &models.Identity{UserID: "u", Role: tc.role}))
			rec := httptest.NewRecorder()

			gate.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := auth.BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer   ")
	_, ok = auth.BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc")
	token, ok := auth.BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestOptionalAuthenticate(t *testing.T) {
	tm := newTokenManager(nil)
	access, err := tm.IssueAccessToken(testPayload)
	require.NoError(t, err)

	var seen *models.Identity
	handler := auth.OptionalAuthenticate(tm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		name   string
		header string
		want   bool
	}{
		{"valid bearer", "Bearer " + access, true},
		{"garbage bearer", "Bearer nope", false},
		{"no header", "", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			if tc.want {
				require.NotNil(t, seen)
				assert.Equal(t, testPayload.UserID, seen.UserID)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}
