// Package sms provides a client for sending text messages through the Twilio
// REST API.
//
// It is injected into the dispatch and intake layers as their message-sending
// capability, so tests substitute a recording fake.
package sms

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client represents a Twilio client used to send SMS messages.
type Client struct {
	accountSID string
	authToken  string
	from       string       // sending phone number, E.164
	baseURL    string       // overridable for tests
	client     *http.Client // HTTP client used to make requests
}

// NewClient creates a new Twilio Client. The timeout bounds every send so a
// stuck provider call fails instead of hanging a dispatch pass.
func NewClient(accountSID, authToken, from string, timeout time.Duration) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    "https://api.twilio.com",
		client:     &http.Client{Timeout: timeout},
	}
}

// Send delivers a single text message to the given phone number.
//
// It posts to the Twilio Messages endpoint and returns an error if the
// request fails or the API responds with a non-2xx status.
func (c *Client) Send(to string, body string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("twilio API error: %s", resp.Status)
	}

	return nil
}
