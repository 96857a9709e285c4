package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
)

// RequestIDHeader carries the per-request identifier
const RequestIDHeader = "X-Request-ID"

// statusRecorder remembers what the handler sent
type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

// routeLabel returns the matched route template so metrics do not get one
// series per sensor value.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// levelFor logs server errors at error, client errors at warn
func levelFor(code int) zerolog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case code >= http.StatusBadRequest:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logging assigns a request id, stores a request logger in the context
// (see zerolog.Ctx), logs the outcome and records HTTP metrics.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		route := routeLabel(r)
		reqLog := logger.WithRequestID(id).With().
			Str("method", r.Method).
			Str("route", route).
			Logger()
		r = r.WithContext(reqLog.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(begin)

		reqLog.WithLevel(levelFor(rec.code)).
			Str("uri", r.RequestURI).
			Str("client", r.RemoteAddr).
			Int("status", rec.code).
			Int("bytes", rec.bytes).
			Dur("elapsed", elapsed).
			Msg("handled request")

		code := strconv.Itoa(rec.code)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())
		if rec.bytes > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rec.bytes))
		}
	})
}

// Recovery recovers from panics and answers 500
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			metrics.PanicsRecovered.WithLabelValues("http_handler").Inc()

			log := zerolog.Ctx(r.Context())
			if log.GetLevel() == zerolog.Disabled {
				log = logger.WithComponent("http")
			}
			log.Error().
				Str("uri", r.RequestURI).
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// CORS allows browser clients from origins; "*" allows any
func CORS(origins []string) func(http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
	)
}
