// Package telegram adapts the Telegram Bot API to the platform
// connector interfaces. Inbound updates arrive over webhook with an
// optional shared secret header; outbound sends go through the bot API.
package telegram

import (
	"fmt"
	"strings"
)

// Config holds the Telegram bot credentials.
type Config struct {
	BotToken    string `toml:"bot_token" validate:"required"`
	SecretToken string `toml:"secret_token"`
	AckMessage  string `toml:"ack_message"`
}

// Validate checks the credential set before a connector is built.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("telegram bot_token is required")
	}
	return nil
}
