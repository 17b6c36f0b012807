package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

const otpSubject = "Your Jacaranda Talk OTP"

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #007bff; color: white; padding: 20px; text-align: center; border-radius: 8px 8px 0 0; }
        .content { background-color: #f8f9fa; padding: 30px; border-radius: 0 0 8px 8px; }
        .otp-code { background-color: #007bff; color: white; font-size: 24px; font-weight: bold; padding: 15px 30px; border-radius: 8px; text-align: center; margin: 20px 0; letter-spacing: 3px; }
        .warning { background-color: #fff3cd; border: 1px solid #ffeaa7; color: #856404; padding: 15px; border-radius: 8px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 30px; color: #666; font-size: 14px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Jacaranda Talk</h1>
        <p>Your One-Time Password</p>
    </div>
    <div class="content">
        <h2>Hello!</h2>
        <p>You requested a one-time password to access your Jacaranda Talk account.</p>
        <div class="otp-code">{{.Code}}</div>
        <div class="warning">
            <strong>Important:</strong>
            <ul>
                <li>This code expires in {{.Minutes}} minutes</li>
                <li>Never share this code with anyone</li>
                <li>If you didn't request this code, please ignore this email</li>
            </ul>
        </div>
        <p>Enter this code in the login form to complete your authentication.</p>
    </div>
    <div class="footer"><p>This is an automated message from Jacaranda Talk</p></div>
</body>
</html>
`))

func NewOTPMessage(to, code string, ttl time.Duration) (Message, error) {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	var buf bytes.Buffer

	err := otpTemplate.Execute(&buf, struct {
		Subject string
		Code    string
		Minutes int
	}{otpSubject, code, minutes})
	if err != nil {
		return Message{}, fmt.Errorf("render otp template: %w", err)
	}

	return Message{
		To:      to,
		Subject: otpSubject,
		Text:    fmt.Sprintf("Your OTP code is: %s. It expires in %d minutes.", code, minutes),
		HTML:    buf.String(),
	}, nil
}
