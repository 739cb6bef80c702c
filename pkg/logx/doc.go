// Package logx wraps zerolog behind a small Field-based API so components
// can log structured events without depending on zerolog directly.
package logx
