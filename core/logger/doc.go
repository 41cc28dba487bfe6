// Package logger provides structured logging helpers built on log/slog.
//
// New builds a logger from presets and options:
//
//	import "github.com/dmitrymomot/eventstream/core/logger"
//
//	// Development: text format, debug level
//	log := logger.New(logger.WithDevelopment("eventstreamd"))
//
//	// Production: JSON format, info level, custom writer
//	log := logger.New(
//		logger.WithProduction("eventstreamd"),
//		logger.WithOutput(os.Stderr),
//		logger.WithAttr(slog.String("region", "eu-west-1")),
//	)
//
// # Attributes
//
// Attribute helpers return an empty slog.Attr for nil or zero inputs where that
// makes sense, so callers never need a nil check before logging:
//
//	log.Error("delivery failed",
//		logger.Processor("fanout"),
//		logger.StreamID(s.ID),
//		logger.SubscriberID(sub.ID),
//		logger.Error(err),
//	)
//
// Components across the module accept a *slog.Logger through a functional
// option and fall back to Discard when none is given.
package logger
