// Package logx is a thin zerolog wrapper with hot-swappable sinks.
//
// The Service owns the root logger and rebuilds it on Apply(); Loggers handed
// out earlier keep following the current root, so a config reload changes the
// level and sinks everywhere without re-plumbing loggers through the engine.
package logx
