package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	HeaderSubjectID  = "X-Subject-Id"
	HeaderTelegramID = "X-Telegram-Id"

	identityKey = "identity"
)

// Identity is the caller as asserted by the upstream auth proxy.
type Identity struct {
	SubjectID  string
	ExternalID string
	SourceAddr string
}

// Key returns the strongest available identity signal.
func (i Identity) Key() string {
	switch {
	case i.SubjectID != "" && i.ExternalID != "":
		return i.SubjectID + ":" + i.ExternalID
	case i.SubjectID != "":
		return i.SubjectID
	case i.ExternalID != "":
		return i.ExternalID
	default:
		return i.SourceAddr
	}
}

// TelegramID parses ExternalID, returning 0 when absent or malformed.
func (i Identity) TelegramID() int64 {
	id, err := strconv.ParseInt(i.ExternalID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityKey, Identity{
			SubjectID:  c.GetHeader(HeaderSubjectID),
			ExternalID: c.GetHeader(HeaderTelegramID),
			SourceAddr: c.ClientIP(),
		})
		c.Next()
	}
}

func IdentityFromContext(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{SourceAddr: c.ClientIP()}
}
