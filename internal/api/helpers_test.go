package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/middleware"
)

var (
	member = auth.Principal{UserID: "user-1", OrganizationID: "org-1", Role: auth.RoleMember, TourIDs: []string{"tour-1"}}
	leader = auth.Principal{UserID: "leader-1", OrganizationID: "org-1", Role: auth.RoleLeader, TourIDs: []string{"tour-1"}}
	admin  = auth.Principal{UserID: "admin-1", OrganizationID: "org-1", Role: auth.RoleAdmin}
)

// newRequest builds a request carrying p, with body JSON-encoded unless it is nil.
func newRequest(t *testing.T, method, target string, p *auth.Principal, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req = req.WithContext(middleware.SetPrincipal(req.Context(), *p))
	}
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	return resp.Error.Code
}

func float(v float64) *float64 { return &v }
