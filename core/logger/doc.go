// Package logger is a standardized event logging framework for job lifecycle
// events produced by the shell.
package logger
