package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lending-api/internal/config"
)

func newTestSMSClient(baseURL string, enabled bool) *SMSClient {
	return NewSMSClient(&config.Config{SMS: config.SMSConfig{
		Enabled:  enabled,
		BaseURL:  baseURL,
		Username: "gateway-user",
		Password: "gateway-pass",
		SenderID: "LENDAP",
		Template: "{otp} is your code. Do not share {otp}.",
		Timeout:  2 * time.Second,
	}})
}

func TestSMSClient_SendOTP(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		got = map[string]string{
			"username": q.Get("username"),
			"password": q.Get("password"),
			"from":     q.Get("from"),
			"to":       q.Get("to"),
			"text":     q.Get("text"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestSMSClient(server.URL+"/send", true)
	if err := c.SendOTP(context.Background(), "9876543210", "482913"); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	want := map[string]string{
		"username": "gateway-user",
		"password": "gateway-pass",
		"from":     "LENDAP",
		"to":       "9876543210",
		"text":     "482913 is your code. Do not share 482913.",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("param %s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestSMSClient_GatewayRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestSMSClient(server.URL, true)
	err := c.SendOTP(context.Background(), "9876543210", "482913")
	if !errors.Is(err, ErrSMSDispatch) {
		t.Fatalf("expected ErrSMSDispatch, got %v", err)
	}
}

func TestSMSClient_Disabled(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := newTestSMSClient(server.URL, false)
	if err := c.SendOTP(context.Background(), "9876543210", "482913"); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	if called {
		t.Fatalf("disabled client should not contact the gateway")
	}
}
