package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vpnhub/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIdentityKey(t *testing.T) {
	require.Equal(t, "u1:42", Identity{SubjectID: "u1", ExternalID: "42", SourceAddr: "1.1.1.1"}.Key())
	require.Equal(t, "42", Identity{ExternalID: "42", SourceAddr: "1.1.1.1"}.Key())
	require.Equal(t, "u1", Identity{SubjectID: "u1", SourceAddr: "1.1.1.1"}.Key())
	require.Equal(t, "1.1.1.1", Identity{SourceAddr: "1.1.1.1"}.Key())
	require.Equal(t, int64(42), Identity{ExternalID: "42"}.TelegramID())
	require.Zero(t, Identity{ExternalID: "x"}.TelegramID())
}

func TestIdentityMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(IdentityMiddleware())

	var got Identity
	r.GET("/", func(c *gin.Context) {
		got = IdentityFromContext(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSubjectID, "7")
	req.Header.Set(HeaderTelegramID, "1001")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "7", got.SubjectID)
	require.Equal(t, "1001", got.ExternalID)
	require.Equal(t, "7:1001", got.Key())
}

func TestIdentityKeyDistinguishesSubjectsBehindOneAddress(t *testing.T) {
	r := gin.New()
	r.Use(IdentityMiddleware())

	var keys []string
	r.POST("/", func(c *gin.Context) {
		keys = append(keys, IdentityFromContext(c).Key())
		c.Status(http.StatusNoContent)
	})

	for _, subject := range []string{"user-A", "user-B"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:4321"
		req.Header.Set(HeaderSubjectID, subject)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Equal(t, []string{"user-A", "user-B"}, keys)
}

func TestErrorMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(Error())
	r.GET("/missing", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("payment not found", nil))
	})
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "payment not found")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProviderSignature(t *testing.T) {
	newEngine := func(secret string) (*gin.Engine, *[]string) {
		var bodies []string
		r := gin.New()
		r.Use(Error())
		r.POST("/hook", ProviderSignature(secret), func(c *gin.Context) {
			b, err := io.ReadAll(c.Request.Body)
			require.NoError(t, err)
			bodies = append(bodies, string(b))
			c.Status(http.StatusNoContent)
		})
		return r, &bodies
	}
	send := func(r http.Handler, body, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
		if signature != "" {
			req.Header.Set(HeaderProviderSignature, signature)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	r, bodies := newEngine("hook-secret")
	body := `{"amount_stars":"10"}`

	require.Equal(t, http.StatusNoContent, send(r, body, Sign("hook-secret", []byte(body))))
	require.Equal(t, []string{body}, *bodies)

	require.Equal(t, http.StatusUnauthorized, send(r, body, ""))
	require.Equal(t, http.StatusUnauthorized, send(r, body, "not-hex"))
	require.Equal(t, http.StatusUnauthorized, send(r, body, Sign("other-secret", []byte(body))))
	require.Equal(t, http.StatusUnauthorized, send(r, `{"amount_stars":"1000"}`, Sign("hook-secret", []byte(body))))
	require.Len(t, *bodies, 1)

	disabled, bodies := newEngine("")
	require.Equal(t, http.StatusServiceUnavailable, send(disabled, body, Sign("", []byte(body))))
	require.Empty(t, *bodies)
}
