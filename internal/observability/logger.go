package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the process logger tagged with the device identity.
func Logger(app, device string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("device", device).Logger()
}
