package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"vpnhub/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HeaderProviderSignature carries hex(HMAC-SHA256(secret, body)) on provider callbacks.
const HeaderProviderSignature = "X-Provider-Signature"

// Sign returns the signature a provider sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ProviderSignature rejects requests whose body is not signed with secret.
// An unset secret disables the route instead of accepting unsigned calls.
func ProviderSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			zap.L().Error("provider callback rejected, webhook secret is not configured",
				zap.String("path", c.FullPath()),
			)
			_ = c.Error(errutil.ServiceUnavailable("provider callbacks are disabled", nil))
			c.Abort()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				_ = c.Error(errutil.BadRequest("failed to read request body", err))
				c.Abort()
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		got, err := hex.DecodeString(c.GetHeader(HeaderProviderSignature))
		if err != nil || len(got) == 0 {
			_ = c.Error(errutil.Unauthorized("missing or malformed provider signature", nil))
			c.Abort()
			return
		}

		want, _ := hex.DecodeString(Sign(secret, body))
		if !hmac.Equal(got, want) {
			zap.L().Warn("provider signature mismatch",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			_ = c.Error(errutil.Unauthorized("invalid provider signature", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
