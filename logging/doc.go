// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the engine, strategies, invokers and server use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - PipelineLogger with run/component context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// Arguments after the message are slog key/value pairs.
package logging
