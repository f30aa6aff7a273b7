// Package logx is the process logger: a small field-based wrapper over zerolog.
//
// Console output is human-readable with a short caller; the optional file sink and
// the "json" format write one JSON object per line.
package logx
