package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UnmatchedRoute labels requests that hit no registered route.
const UnmatchedRoute = "unmatched"

// AdminRequests configures the admin API request middleware.
type AdminRequests struct {
	Device string
	// Quiet routes are logged at debug level unless they fail.
	Quiet []string
	// Link reports the transport carrying the protocol, if any.
	Link func() string
}

// Middleware logs and counts every admin request under its route pattern.
func (a AdminRequests) Middleware(logger zerolog.Logger) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(a.Quiet))
	for _, p := range a.Quiet {
		quiet[p] = struct{}{}
	}
	logger = logger.With().Str("component", "admin").Str("device", a.Device).Logger()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = UnmatchedRoute
		}
		RecordHTTPRequest(a.Device, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch _, isQuiet := quiet[route]; {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case isQuiet:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if a.Link != nil {
			if link := a.Link(); link != "" {
				event = event.Str("transport", link)
			}
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("uri", c.Request.URL.RequestURI()).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin request")
	}
}
