package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"lending-api/internal/config"
	tlsutil "lending-api/internal/tls"
	"lending-api/internal/util"
)

var ErrBureauUnavailable = errors.New("credit bureau unavailable")

const maxBureauResponse = 8 << 20

// BureauInquiry identifies the consumer whose report is requested.
type BureauInquiry struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PAN         string `json:"pan"`
	DateOfBirth string `json:"dateOfBirth"`
	Mobile      string `json:"mobile"`
	Pincode     string `json:"pincode,omitempty"`
}

type BureauClient struct {
	http *http.Client
	cfg  config.BureauConfig
}

// NewBureauClient builds a client that authenticates to the bureau with the
// configured client certificate.
func NewBureauClient(cfg *config.Config) (*BureauClient, error) {
	tlsConfig, err := tlsutil.ClientTLSConfig(cfg.Bureau.CertFile, cfg.Bureau.KeyFile, cfg.Bureau.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to configure bureau tls: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &BureauClient{
		http: &http.Client{Timeout: cfg.Bureau.Timeout, Transport: transport},
		cfg:  cfg.Bureau,
	}, nil
}

// NewBureauClientWithHTTP is used when the caller owns the transport.
func NewBureauClientWithHTTP(cfg config.BureauConfig, httpClient *http.Client) *BureauClient {
	return &BureauClient{http: httpClient, cfg: cfg}
}

// FetchReport returns the raw bureau response body.
func (c *BureauClient) FetchReport(ctx context.Context, inquiry BureauInquiry) ([]byte, error) {
	body, err := json.Marshal(inquiry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bureau inquiry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBureauUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("member-ref-id", c.cfg.MemberID)
	req.SetBasicAuth(c.cfg.MemberID, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		util.Error("Bureau request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrBureauUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBureauResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrBureauUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		util.Error("Bureau returned error status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrBureauUnavailable, resp.StatusCode)
	}
	return raw, nil
}
