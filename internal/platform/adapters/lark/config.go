// Package lark adapts Lark (and Feishu) to the platform connector
// interfaces. Events arrive through the event-subscription webhook,
// which performs a url_verification challenge handshake and stamps
// every delivery with the app's verification token.
package lark

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"
)

// Config holds the Lark app credentials.
type Config struct {
	AppID             string `toml:"app_id" validate:"required"`
	AppSecret         string `toml:"app_secret" validate:"required"`
	VerificationToken string `toml:"verification_token" validate:"required"`
	EncryptKey        string `toml:"encrypt_key"`
	Region            string `toml:"region"`
	AckMessage        string `toml:"ack_message"`
}

// Validate checks the credential set and normalizes the region.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("lark app_id is required")
	}
	if strings.TrimSpace(c.AppSecret) == "" {
		return fmt.Errorf("lark app_secret is required")
	}
	if strings.TrimSpace(c.VerificationToken) == "" {
		return fmt.Errorf("lark verification_token is required")
	}
	region := strings.ToLower(strings.TrimSpace(c.Region))
	if region == "" {
		region = regionFeishu
	}
	if region != regionFeishu && region != regionLark {
		return fmt.Errorf("lark region must be %q or %q", regionFeishu, regionLark)
	}
	c.Region = region
	return nil
}

func (c Config) openBaseURL() string {
	if c.Region == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}
