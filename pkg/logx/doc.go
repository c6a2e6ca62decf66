// Package logx configures taskd's structured logging.
//
// Components log through logx.Logger, a small value-type wrapper over zerolog:
//   - console output is human readable (short timestamp and short caller)
//   - file output is JSON lines
//   - Service.Apply swaps level and sinks on config reload without
//     invalidating loggers already handed out
package logx
