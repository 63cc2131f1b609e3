package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.GenerateToken(OperatorClaims{Operator: "ops", IsAdmin: true})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Operator != "ops" || !claims.IsAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	good, _ := m.GenerateToken(OperatorClaims{Operator: "ops", IsAdmin: true})

	other, _ := NewJWTManager("other-secret", time.Hour).GenerateToken(OperatorClaims{Operator: "ops"})

	expiring := NewJWTManager("test-secret", time.Minute)
	expiring.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiring.GenerateToken(OperatorClaims{Operator: "ops"})

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"operator": "ops"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong secret", other, ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
		{"unsigned", none, ErrInvalidToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"tampered", good + "x", ErrInvalidToken},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ValidateToken(tc.token)
			if err != tc.want {
				t.Errorf("ValidateToken() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("test-secret", time.Hour)
	admin, _ := m.GenerateToken(OperatorClaims{Operator: "ops", IsAdmin: true})
	viewer, _ := m.GenerateToken(OperatorClaims{Operator: "viewer"})

	router := gin.New()
	router.POST("/halt", Middleware(m), RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": GetOperator(c)})
	})

	testCases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"not admin", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/halt", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
