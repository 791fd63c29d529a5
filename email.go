package zyneth

import (
	"bytes"
	"fmt"
	"html/template"

	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"
)

// OTPEmailSender delivers verification codes. Delivery failures must never
// fail the request that triggered them; callers log and move on.
type OTPEmailSender interface {
	SendOTPEmail(to string, code string) error
}

// ConsoleOTPSender logs codes instead of sending mail. Development only.
type ConsoleOTPSender struct {
	Logger *zap.Logger
}

func (c *ConsoleOTPSender) SendOTPEmail(to string, code string) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Info("otp email (console)",
		zap.String("to", to),
		zap.String("code", code))
	return nil
}

var otpEmailTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <h2>Verify your email</h2>
  <p>Use this code to verify your Zyneth account:</p>
  <p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">{{.Code}}</p>
  <p>The code expires in 10 minutes. If you did not request it, ignore this email.</p>
</body>
</html>`))

// SMTPSender delivers OTP mail over SMTP.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender configures a sender against the given SMTP endpoint.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *SMTPSender) SendOTPEmail(to string, code string) error {
	var body bytes.Buffer
	if err := otpEmailTemplate.Execute(&body, struct{ Code string }{Code: code}); err != nil {
		return fmt.Errorf("failed to render otp email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Your Zyneth verification code")
	m.SetBody("text/html", body.String())

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send otp email: %w", err)
	}
	return nil
}
