// Package tgui holds small helpers for building Telegram HTML messages:
//   - escaping and inline tags (H, Esc, B, Link)
//   - line-oriented builders for lists and cards
//
// Everything here is safe for ParseMode="HTML": text goes through Esc unless
// wrapped with Raw.
package tgui
