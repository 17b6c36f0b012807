package gomail

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/notify"
	"github.com/samandr77/jacaranda/pkg/config"
)

const ChannelName = "smtp"

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Client struct {
	cfg    config.SMTPConfig
	dialer sender
}

var _ notify.Channel = (*Client)(nil)

func New(cfg config.SMTPConfig) *Client {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Login, cfg.Password)

	dialer.TLSConfig = &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
	}
}

func (c *Client) Name() string {
	return ChannelName
}

func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	if ctx.Err() != nil {
		return &entity.DeliveryFailure{Channel: ChannelName, Reason: entity.FailureReasonNetwork, Err: ctx.Err()}
	}

	err := c.dialer.DialAndSend(c.build(msg))
	if err != nil {
		return &entity.DeliveryFailure{
			Channel: ChannelName,
			Reason:  entity.FailureReasonNetwork,
			Err:     fmt.Errorf("failed to send email: %w", err),
		}
	}

	return nil
}

func (c *Client) build(msg notify.Message) *gomail.Message {
	m := gomail.NewMessage(
		gomail.SetCharset("UTF-8"),
		gomail.SetEncoding(gomail.Base64),
	)

	m.SetAddressHeader("From", c.cfg.From, c.cfg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)

	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	return m
}
