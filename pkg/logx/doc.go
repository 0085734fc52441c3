// Package logx is a thin structured-logging facade over zerolog.
//
// The zero Logger value is a safe no-op. Loggers are values; With() derives
// a child with fixed fields. The level can be changed at runtime, which is
// used by the config hot-reload path.
package logx
