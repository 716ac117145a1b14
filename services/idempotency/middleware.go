package idempotency

import (
	"bytes"
	"context"
	"io"
	"time"

	"vpnhub/pkg/errutil"
	"vpnhub/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const HeaderReplayed = "Idempotent-Replayed"

// bufferedWriter holds the downstream response so it can be cached before
// anything reaches the client.
type bufferedWriter struct {
	gin.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (w *bufferedWriter) WriteHeader(code int) {
	if code > 0 {
		w.status = code
	}
}

func (w *bufferedWriter) WriteHeaderNow() { w.wrote = true }

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.wrote = true
	return w.body.WriteString(s)
}

func (w *bufferedWriter) Status() int { return w.status }

func (w *bufferedWriter) Size() int {
	if !w.wrote {
		return -1
	}
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool { return w.wrote }

// Middleware guards the remaining handler chain with ttl. Handlers report
// failures through c.Error; those are left for the error middleware to render.
func (g *Guard) Middleware(ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
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

		desc := Descriptor{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Body:     body,
			Query:    c.Request.URL.Query(),
			Identity: middleware.IdentityFromContext(c),
		}

		var handlerFailed bool
		resp, err := g.Do(c.Request.Context(), desc, ttl, func(ctx context.Context) (Response, error) {
			w := &bufferedWriter{ResponseWriter: c.Writer, status: 200}
			c.Writer = w
			defer func() { c.Writer = w.ResponseWriter }()

			errCount := len(c.Errors)
			c.Next()

			if len(c.Errors) > errCount {
				handlerFailed = true
				return Response{}, c.Errors.Last().Err
			}
			return Response{
				Status:      w.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        w.body.Bytes(),
			}, nil
		})

		if err != nil {
			if !handlerFailed {
				_ = c.Error(err)
			}
			c.Abort()
			return
		}

		if resp.Replayed {
			c.Header(HeaderReplayed, "true")
		}
		c.Data(resp.Status, resp.ContentType, resp.Body)
		c.Abort()
	}
}
