// Package logx is jobrunner's structured logging: a value-type Logger over
// zerolog, readable console lines with a short caller, JSON in the log file,
// and sinks that can be swapped at runtime through Service.Apply.
package logx
