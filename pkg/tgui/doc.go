// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (scope:action:payload)
//   - A message builder with safe HTML defaults
//
// Handlers build a Message once and send/edit it without repeating
// ParseMode/preview/markup boilerplate.
package tgui
