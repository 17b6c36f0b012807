package gomail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/samandr77/jacaranda/internal/entity"
	"github.com/samandr77/jacaranda/internal/notify"
	"github.com/samandr77/jacaranda/pkg/config"
)

type fakeDialer struct {
	err  error
	sent []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func newTestClient(d *fakeDialer) *Client {
	c := New(config.SMTPConfig{Host: "localhost", Port: 25, From: "no-reply@jacaranda.local", FromName: "Jacaranda Talk"})
	c.dialer = d

	return c
}

func TestClient_Send(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(d)

	err := c.Send(context.Background(), notify.Message{
		To:      "alice@example.com",
		Subject: "Your Jacaranda Talk OTP",
		Text:    "Your OTP code is: 123456.",
		HTML:    "<p>123456</p>",
	})
	require.NoError(t, err)
	require.Len(t, d.sent, 1)

	m := d.sent[0]
	require.Equal(t, []string{"alice@example.com"}, m.GetHeader("To"))
	require.Equal(t, []string{"Your Jacaranda Talk OTP"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	require.True(t, strings.Contains(buf.String(), "multipart/alternative"))
}

func TestClient_SendFailure(t *testing.T) {
	t.Parallel()

	c := newTestClient(&fakeDialer{err: errors.New("dial tcp: connection refused")})

	err := c.Send(context.Background(), notify.Message{To: "bob@example.com", Subject: "s", Text: "t"})
	require.ErrorIs(t, err, entity.ErrDelivery)

	var df *entity.DeliveryFailure
	require.ErrorAs(t, err, &df)
	require.Equal(t, ChannelName, df.Channel)
	require.Equal(t, entity.FailureReasonNetwork, df.Reason)
}
