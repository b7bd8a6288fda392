// Package errors classifies failures into three classes so that callers can decide
// between fixing their input, retrying, or giving up:
//
//   - Invalid: caller-contract violations such as a negative sample count, an unknown
//     stream kind, a calibration request outside calibration mode or a stale listener id.
//     Reported synchronously, never corrupt state, never retried.
//   - Transient: device or network failures such as an unsupported stream, a lost
//     connection or a discovery miss. Recoverable by retry.
//   - Fatal: allocation exhaustion in a sample buffer. No degraded mode exists.
//
// Components wrap errors with WrapInvalid, WrapTransient or WrapFatal, which produce
// messages of the form "component.method: action failed: cause". The standard
// sentinels remain reachable through errors.Is.
package errors
