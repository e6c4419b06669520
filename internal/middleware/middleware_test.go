package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otcheredev/dicom-archive-core/internal/middleware"
	"github.com/otcheredev/dicom-archive-core/internal/models"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims models.JWTClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAuth(t *testing.T) {
	var got *models.UserContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = middleware.GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	valid := models.JWTClaims{
		Roles:            []string{"DOCTOR", "RADIOLOGIST"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}
	expired := models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}

	tests := []struct {
		name        string
		secret      string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"disabled", "", "", http.StatusOK, ""},
		{"missing token", secret, "", http.StatusUnauthorized, ""},
		{"not bearer", secret, "Basic abc", http.StatusUnauthorized, ""},
		{"garbage", secret, "Bearer not-a-token", http.StatusUnauthorized, ""},
		{"wrong key", secret, "Bearer " + sign(t, "other", jwt.SigningMethodHS256, valid), http.StatusUnauthorized, ""},
		{"wrong method", secret, "Bearer " + sign(t, secret, jwt.SigningMethodHS512, valid), http.StatusUnauthorized, ""},
		{"expired", secret, "Bearer " + sign(t, secret, jwt.SigningMethodHS256, expired), http.StatusUnauthorized, ""},
		{"valid", secret, "Bearer " + sign(t, secret, jwt.SigningMethodHS256, valid), http.StatusOK, "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/dicom-web/studies", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			middleware.Auth(tt.secret)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d; want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantSubject == "" {
				if got != nil {
					t.Errorf("unexpected user in context: %+v", got)
				}
				return
			}
			if got == nil || got.Subject != tt.wantSubject {
				t.Fatalf("user = %+v", got)
			}
			if strings.Join(got.Roles, ",") != "DOCTOR,RADIOLOGIST" {
				t.Errorf("roles = %v", got.Roles)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", rr.Code)
	}

	abort := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("recovered %v; want ErrAbortHandler re-panicked", r)
		}
	}()
	abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestLogging(t *testing.T) {
	h := middleware.Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusTeapot || rr.Body.String() != "short and stout" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}
