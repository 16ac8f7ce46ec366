// Package telemetry publishes coarse operational events (API errors,
// queue depth) through the process logger, so a deployment can count
// them without a metrics stack.
package telemetry

import "github.com/rs/zerolog/log"

// Event logs a named operational event. Callers must strip secrets
// before passing field values.
func Event(name string, fields map[string]any) {
	e := log.Info().Str("event", name)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("telemetry")
}
