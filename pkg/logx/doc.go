// Package logx wraps zerolog behind a small structured-logging API.
//
// The scheduler writes to two kinds of sinks: the process-wide master log
// (console and/or file, owned by Service) and one standalone file logger per
// simulation system (NewFile). Tee combines the two so pipeline events land
// in both places.
package logx
