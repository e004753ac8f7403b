package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"lending-api/internal/config"
	"lending-api/internal/util"
)

var ErrSMSDispatch = errors.New("sms dispatch failed")

// SMSClient sends passcodes through an HTTP gateway that takes its
// credentials and message in the query string.
type SMSClient struct {
	http     *http.Client
	cfg      config.SMSConfig
	disabled bool
}

func NewSMSClient(cfg *config.Config) *SMSClient {
	return &SMSClient{
		http:     &http.Client{Timeout: cfg.SMS.Timeout},
		cfg:      cfg.SMS,
		disabled: !cfg.SMS.Enabled,
	}
}

// SendOTP renders the message template and sends it to a bare 10-digit
// phone number.
func (c *SMSClient) SendOTP(ctx context.Context, phone, otp string) error {
	if c.disabled {
		util.Debug("SMS dispatch disabled, skipping send")
		return nil
	}

	message := strings.ReplaceAll(c.cfg.Template, "{otp}", otp)

	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid gateway url: %v", ErrSMSDispatch, err)
	}
	q := endpoint.Query()
	q.Set("username", c.cfg.Username)
	q.Set("password", c.cfg.Password)
	q.Set("from", c.cfg.SenderID)
	q.Set("to", phone)
	q.Set("text", message)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSMSDispatch, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The error text embeds the full URL, credentials included.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		util.Error("SMS gateway request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSMSDispatch, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.Error("SMS gateway rejected request", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: gateway status %d", ErrSMSDispatch, resp.StatusCode)
	}
	return nil
}
