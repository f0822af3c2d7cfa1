// Package logx configures chanpost's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - An optional Telegram sink for warnings (min-level + rate limiting)
package logx
