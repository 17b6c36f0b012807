package mailjet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/notify"
	"github.com/samandr77/jacaranda/pkg/config"
	"github.com/samandr77/jacaranda/pkg/transport"
)

const (
	ChannelName = "mailjet"

	sendPath            = "/v3.1/send"
	maxErrorBody        = 512
	defaultRetryWaitMax = 5 * time.Second
)

type Client struct {
	client    *http.Client
	sendURL   string
	apiKey    string
	apiSecret string
	fromEmail string
	fromName  string
}

var _ notify.Channel = (*Client)(nil)

func NewClient(cfg config.MailjetConfig) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryAttempts
	retryClient.RetryWaitMin = time.Second
	retryClient.RetryWaitMax = defaultRetryWaitMax
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.HTTPClient.Transport = transport.NewLoggingRoundTripper(ChannelName, http.DefaultTransport)

	retryClient.Logger = nil

	// only transport errors are retried here, status failures go back to the gateway
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}

		return false, nil
	}

	return &Client{
		client:    retryClient.StandardClient(),
		sendURL:   strings.TrimRight(cfg.BaseURL, "/") + sendPath,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}
}

func (c *Client) Name() string {
	return ChannelName
}

func (c *Client) Enabled() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

type address struct {
	Email string `json:"Email"`
	Name  string `json:"Name,omitempty"`
}

type message struct {
	From     address   `json:"From"`
	To       []address `json:"To"`
	Subject  string    `json:"Subject"`
	TextPart string    `json:"TextPart"`
	HTMLPart string    `json:"HTMLPart"`
}

type sendRequest struct {
	Messages []message `json:"Messages"`
}

func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	if !c.Enabled() {
		return &entity.DeliveryFailure{Channel: ChannelName, Reason: entity.FailureReasonDisabled}
	}

	body, err := json.Marshal(sendRequest{
		Messages: []message{{
			From:     address{Email: c.fromEmail, Name: c.fromName},
			To:       []address{{Email: msg.To}},
			Subject:  msg.Subject,
			TextPart: msg.Text,
			HTMLPart: msg.HTML,
		}},
	})
	if err != nil {
		return &entity.DeliveryFailure{Channel: ChannelName, Reason: entity.FailureReasonRejected, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return &entity.DeliveryFailure{Channel: ChannelName, Reason: entity.FailureReasonRejected, Err: err}
	}

	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &entity.DeliveryFailure{Channel: ChannelName, Reason: entity.FailureReasonNetwork, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &entity.DeliveryFailure{
		Channel:    ChannelName,
		Reason:     entity.FailureReasonStatus,
		StatusCode: resp.StatusCode,
		Err:        errors.New(strings.TrimSpace(fmt.Sprintf("mailjet api error: %s", detail))),
	}
}
