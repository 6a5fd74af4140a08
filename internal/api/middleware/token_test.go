package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestTokenFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", nil, ""},
		{"header", map[string]string{ControlTokenHeader: " abc "}, "abc"},
		{"bearer", map[string]string{"Authorization": "Bearer xyz"}, "xyz"},
		{"bearer lower case", map[string]string{"Authorization": "bearer xyz"}, "xyz"},
		{"basic is ignored", map[string]string{"Authorization": "Basic Zm9v"}, ""},
		{"header wins", map[string]string{ControlTokenHeader: "a", "Authorization": "Bearer b"}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, TokenFromRequest(c))
		})
	}
}

func TestControlTokenAborts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", ControlToken(func(tok string) bool { return tok == "ok" }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ControlTokenHeader, "ok")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestTrackingCarriesControlFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gate, controlType, envelopeID string
	r := gin.New()
	r.Use(RequestTracking())
	r.POST("/api/control", ControlToken(func(tok string) bool { return tok == "ok" }), func(c *gin.Context) {
		SetControl(c, "liveParam", "env-1")
		gate = c.GetString(KeyTokenGate)
		controlType = c.GetString(KeyControlType)
		envelopeID = c.GetString(KeyEnvelopeID)
		c.Status(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/control", nil)
	req.Header.Set(ControlTokenHeader, "ok")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, GatePassed, gate)
	assert.Equal(t, "liveParam", controlType)
	assert.Equal(t, "env-1", envelopeID)
}

func TestControlTokenMarksRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gate string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		gate = c.GetString(KeyTokenGate)
	})
	r.POST("/api/control", ControlToken(func(string) bool { return false }), func(c *gin.Context) {
		t.Fatal("handler must not run")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/control", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, GateRejected, gate)
}

func TestRecoverWithSentryAnswers500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoverWithSentry(), RequestTracking())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "request_id")
}
