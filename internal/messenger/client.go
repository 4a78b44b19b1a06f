// Package messenger talks to the paged-messaging provider: a resty client for
// its send and account APIs, and the Sender that delivers one personalised
// message to one contact.
package messenger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProviderError is a request the provider answered with an error body.
type ProviderError struct {
	Status  int
	Code    int
	Subcode int
	Reason  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected (status %d, code %d): %s", e.Status, e.Code, e.Reason)
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	baseURL string
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: client, baseURL: cfg.BaseURL}
}

// PageInfo is one paged account returned by ListPages.
type PageInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

type sendRequest struct {
	Recipient     recipient      `json:"recipient"`
	MessagingType string         `json:"messaging_type"`
	Tag           string         `json:"tag,omitempty"`
	Message       map[string]any `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type errorBody struct {
	Error struct {
		Message      string `json:"message"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

type accountsResponse struct {
	Data   []PageInfo `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

func (c *Client) SendText(ctx context.Context, token, recipientID, text, tag string) error {
	return c.send(ctx, token, recipientID, tag, map[string]any{"text": text})
}

func (c *Client) SendAttachment(ctx context.Context, token, recipientID, url, typ, tag string) error {
	return c.send(ctx, token, recipientID, tag, map[string]any{
		"attachment": map[string]any{
			"type":    typ,
			"payload": map[string]any{"url": url, "is_reusable": true},
		},
	})
}

func (c *Client) send(ctx context.Context, token, recipientID, tag string, message map[string]any) error {
	req := sendRequest{
		Recipient:     recipient{ID: recipientID},
		MessagingType: "RESPONSE",
		Message:       message,
	}
	if tag != "" {
		req.MessagingType = "MESSAGE_TAG"
		req.Tag = tag
	}

	var failure errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(req).
		SetError(&failure).
		Post(c.baseURL + "/me/messages")
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if resp.IsError() {
		return providerError(resp.StatusCode(), failure)
	}
	return nil
}

// ListPages returns every page the long-lived user token can manage,
// following pagination.
func (c *Client) ListPages(ctx context.Context, userToken string) ([]PageInfo, error) {
	var pages []PageInfo
	url := c.baseURL + "/me/accounts"
	params := map[string]string{
		"access_token": userToken,
		"fields":       "id,name,access_token",
		"limit":        "100",
	}

	for i := 0; url != "" && i < 20; i++ {
		var (
			out     accountsResponse
			failure errorBody
		)
		r := c.http.R().SetContext(ctx).SetResult(&out).SetError(&failure)
		if params != nil {
			r.SetQueryParams(params)
		}
		resp, err := r.Get(url)
		if err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		if resp.IsError() {
			return nil, providerError(resp.StatusCode(), failure)
		}
		pages = append(pages, out.Data...)
		// next links carry their own query string
		url, params = out.Paging.Next, nil
	}
	return pages, nil
}

func providerError(status int, body errorBody) error {
	reason := body.Error.Message
	if reason == "" {
		reason = http.StatusText(status)
	}
	return &ProviderError{
		Status:  status,
		Code:    body.Error.Code,
		Subcode: body.Error.ErrorSubcode,
		Reason:  reason,
	}
}
