// Package tgui holds small Telegram UI helpers: inline keyboards,
// callback data encoding and HTML escaping.
package tgui
