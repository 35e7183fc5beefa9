package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toursync/toursync/internal/auth"
)

const authTestSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func TestRequireAuth(t *testing.T) {
	svc := auth.NewJWTService(authTestSecret)
	token, err := svc.GenerateAccessToken(auth.Principal{UserID: "user-1", OrganizationID: "org-1", Role: auth.RoleLeader, TourIDs: []string{"tour-1"}})
	if err != nil {
		t.Fatal(err)
	}
	refresh, _ := svc.GenerateRefreshToken("user-1")

	tests := []struct {
		name       string
		header     string
		query      string
		opts       []AuthOption
		wantStatus int
		wantCode   string
	}{
		{name: "bearer header", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + token, wantStatus: http.StatusOK},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantCode: "missing_token"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantCode: "missing_token"},
		{name: "garbage token", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantCode: "invalid_token"},
		{name: "refresh token", header: "Bearer " + refresh, wantStatus: http.StatusUnauthorized, wantCode: "invalid_token"},
		{name: "query token not allowed", query: token, wantStatus: http.StatusUnauthorized, wantCode: "missing_token"},
		{name: "query token allowed", query: token, opts: []AuthOption{AllowQueryToken()}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got auth.Principal
			handler := RequireAuth(svc, tt.opts...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = GetPrincipal(r.Context())
			}))

			target := "/api/notifications/stream"
			if tt.query != "" {
				target += "?" + AccessTokenQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if code := errorCode(t, rr); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				if rr.Header().Get("WWW-Authenticate") == "" {
					t.Error("WWW-Authenticate header missing")
				}
				return
			}
			if got.UserID != "user-1" || got.Role != auth.RoleLeader || got.OrganizationID != "org-1" {
				t.Errorf("principal = %+v", got)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		principal  *auth.Principal
		wantStatus int
	}{
		{name: "leader allowed", principal: &auth.Principal{UserID: "l", Role: auth.RoleLeader}, wantStatus: http.StatusOK},
		{name: "admin allowed", principal: &auth.Principal{UserID: "a", Role: auth.RoleAdmin}, wantStatus: http.StatusOK},
		{name: "member forbidden", principal: &auth.Principal{UserID: "m", Role: auth.RoleMember}, wantStatus: http.StatusForbidden},
		{name: "unauthenticated", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(auth.RoleLeader, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			req := httptest.NewRequest(http.MethodPost, "/api/announcements", nil)
			if tt.principal != nil {
				req = req.WithContext(SetPrincipal(req.Context(), *tt.principal))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if code := errorCode(t, rr); code != "forbidden" {
					t.Errorf("code = %q", code)
				}
			}
		})
	}
}

func TestGetUserID_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := GetUserID(req.Context()); id != "" {
		t.Errorf("GetUserID() = %q, want empty", id)
	}
}
