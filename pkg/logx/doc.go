// Package logx provides the bot's structured logging built on zerolog.
//
// Components receive a Logger value and attach fixed fields with With().
// The Service owns the sinks (console, file) and can swap levels and
// outputs at runtime when the config file is reloaded; Loggers created
// from it stay live across Apply() calls.
package logx
