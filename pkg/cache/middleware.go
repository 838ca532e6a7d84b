package cache

import (
	"bytes"
	"net/http"
)

// captureWriter records the status and body written through it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware serves GET requests from c, keyed by path and query, and
// stores 200 responses on a miss. X-Cache reports HIT or MISS. Any
// successful non-read request through the same middleware purges c, so
// an applied manifest or a planning pass is visible on the next read.
// A nil c disables the middleware.
func Middleware(c *LRU) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !readOnly(r.Method) {
				cw := &captureWriter{ResponseWriter: w}
				next.ServeHTTP(cw, r)
				if cw.status < http.StatusBadRequest {
					c.Purge()
				}
				return
			}
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if cached, ok := c.Get(key); ok {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			cw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(cw, r)
			if cw.status == http.StatusOK {
				c.Set(key, Response{
					ContentType: cw.Header().Get("Content-Type"),
					Body:        bytes.Clone(cw.body.Bytes()),
				})
			}
		})
	}
}
