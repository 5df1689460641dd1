package auditlog

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"geomonitor/internal/capture"
	"geomonitor/internal/filter"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geomonitor_requests_total",
	Help: "Requests seen by the monitor middleware",
}, []string{"decision"})

// Saver accepts completed records.
type Saver interface {
	Save(rec *Record) error
}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// Filter decides which requests are recorded. Pass a *filter.Cell to
	// follow hot reloads.
	Filter filter.Filter
	// MaxRequestBodySize and MaxResponseBodySize cap body capture:
	// 0 disables it, a negative value captures everything.
	MaxRequestBodySize  int64
	MaxResponseBodySize int64
	// InternalHost is recorded as the host that served the request.
	InternalHost string
}

// Middleware records monitored requests.
// The filter decision is taken once when the request arrives; a rule reload
// during the request does not change it. Persistence failures never reach
// the client.
func Middleware(saver Saver, cfg MiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if saver == nil || cfg.Filter == nil || !cfg.Filter.Monitor(req.URL.Path, req.URL.Query()) {
				requestsTotal.WithLabelValues("skipped").Inc()
				return next(c)
			}
			requestsTotal.WithLabelValues("monitored").Inc()

			// Reuse the request ID as the correlation ID when one was assigned.
			internalID := c.Response().Header().Get(echo.HeaderXRequestID)
			if internalID == "" {
				internalID = uuid.NewString()
			}

			start := time.Now()
			rec := &Record{
				InternalID:         internalID,
				Status:             StatusFinished,
				Path:               req.URL.Path,
				QueryString:        req.URL.RawQuery,
				HTTPMethod:         req.Method,
				RequestContentType: req.Header.Get(echo.HeaderContentType),
				StartTime:          start,
				RemoteAddr:         c.RealIP(),
				RemoteHost:         remoteHost(req.RemoteAddr),
				Host:               req.Host,
				InternalHost:       cfg.InternalHost,
				RemoteUserAgent:    req.UserAgent(),
				HTTPReferer:        req.Referer(),
			}
			if user, _, ok := req.BasicAuth(); ok {
				rec.RemoteUser = user
			}
			describeOWS(rec, req.URL.Path, req.URL.Query())

			// Store record in context for enrichment by handlers
			c.Set(string(RecordKey), rec)

			var body *capture.Reader
			if req.Body != nil {
				body = capture.NewReader(req.Body, cfg.MaxRequestBodySize)
				req.Body = body
			}

			res := c.Response()
			original := res.Writer
			writer := capture.NewResponseWriter(original, cfg.MaxResponseBodySize)
			res.Writer = writer

			err := next(c)
			if err != nil {
				// Render the error now so the recorded status is the one
				// the client gets.
				c.Error(err)
			}
			res.Writer = original

			rec.EndTime = time.Now()
			rec.TotalTime = rec.EndTime.Sub(start)
			rec.ResponseStatus = res.Status
			rec.ResponseContentType = res.Header().Get(echo.HeaderContentType)
			rec.ResponseLength = writer.ContentLength()
			rec.ResponseBody = writer.Body()
			if body != nil {
				rec.RequestLength = body.BytesRead()
				rec.RequestBody = body.Captured()
			}
			if err != nil || res.Status >= 500 {
				rec.Status = StatusFailed
			}
			if err != nil && rec.ErrorMessage == "" {
				rec.ErrorMessage = err.Error()
			}

			if saveErr := saver.Save(rec); saveErr != nil {
				slog.Debug("monitor record not queued", "internal_id", rec.InternalID, "error", saveErr)
			}
			return err
		}
	}
}

// RecordFromContext returns the in-flight record of a monitored request, or
// nil. Handlers use it to add geolocation or error details before the
// record is saved.
func RecordFromContext(c echo.Context) *Record {
	rec, ok := c.Get(string(RecordKey)).(*Record)
	if !ok {
		return nil
	}
	return rec
}

// EnrichGeo sets the client geolocation of a monitored request.
func EnrichGeo(c echo.Context, country, city string, lat, lon float64) {
	rec := RecordFromContext(c)
	if rec == nil {
		return
	}
	rec.RemoteCountry = country
	rec.RemoteCity = city
	rec.RemoteLat = lat
	rec.RemoteLon = lon
}

// EnrichError sets the error message of a monitored request.
func EnrichError(c echo.Context, message string) {
	if rec := RecordFromContext(c); rec != nil {
		rec.ErrorMessage = message
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
