package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

type rejection struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// DefaultHandler answers rejected requests with 429, a Retry-After header
// and a JSON body carrying message and the retry delay in seconds.
func DefaultHandler(message string, c clock.Clock) Handler {
	c = clock.OrReal(c)
	return func(w http.ResponseWriter, r *http.Request, res strategy.Result) {
		retry := RetryAfterSeconds(res, c)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rejection{
			Success:    false,
			Message:    message,
			RetryAfter: retry,
		})
	}
}

// RetryAfterSeconds rounds the time until res.Reset up to whole seconds,
// with a floor of one second.
func RetryAfterSeconds(res strategy.Result, c clock.Clock) int {
	secs := math.Ceil(res.RetryAfter(clock.OrReal(c).Now()).Seconds())
	return max(1, int(secs))
}

func setHeaders(h http.Header, res strategy.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.UnixMilli(), 10))
}

type resultKey struct{}

// ResultFromContext returns the decision for the current request. It is set
// for handlers behind the middleware whenever the check succeeded.
func ResultFromContext(ctx context.Context) (strategy.Result, bool) {
	res, ok := ctx.Value(resultKey{}).(strategy.Result)
	return res, ok
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		if s.status == 0 {
			s.status = http.StatusOK
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Status is the code sent to the client. A handler that wrote nothing
// produces an implicit 200.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
