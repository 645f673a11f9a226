package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_ValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	tests := []struct {
		name    string
		prepare func(r *http.Request)
	}{
		{
			name: "cookie",
			prepare: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: m.Token(42)})
			},
		},
		{
			name: "bearer header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+m.Token(42))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				id, ok := GetUserIDFromContext(r.Context())
				if !ok {
					t.Fatalf("user id not in context")
				}
				if id != 42 {
					t.Fatalf("user id from context = %d, want 42", id)
				}
			})

			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			tt.prepare(r)

			m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

			if !nextCalled {
				t.Fatalf("next handler was not called")
			}
		})
	}
}

func TestAuthMiddleware_Rejected(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	tests := []struct {
		name    string
		prepare func(r *http.Request)
	}{
		{name: "no token", prepare: func(r *http.Request) {}},
		{
			name: "foreign signature",
			prepare: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: other.Token(42)})
			},
		},
		{
			name: "tampered id",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer 43"+m.Token(42)[2:])
			},
		},
		{
			name: "malformed",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer garbage")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			tt.prepare(r)

			m.Middleware(next).ServeHTTP(w, r)

			res := w.Result()
			defer res.Body.Close()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}
