// Package templates embeds the default configuration files shipped with
// conduit.
package templates

import (
	_ "embed"
)

//go:embed config.yaml
var ConfigYAML []byte

// TelegramWrapper is the default prompt frame for Telegram messages.
//
//go:embed telegram_wrapper.md
var TelegramWrapper string
