// Package logx is carebot's structured logger: a thin wrapper over zerolog.
//
// Console output is human readable, the optional file sink is JSON and the
// optional alert sink forwards warnings to the operator chat, rate limited.
package logx
