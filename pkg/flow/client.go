package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to a verifyd server and satisfies API.
type Client struct {
	rootURL string
	hc      *http.Client
}

// NewClient returns an API client for the server at rootURL. A nil
// http.Client gets a sane default with a bounded timeout.
func NewClient(rootURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		rootURL: strings.TrimRight(rootURL, "/"),
		hc:      hc,
	}
}

type apiEnvelope struct {
	Success   bool   `json:"success"`
	Batch     string `json:"batch"`
	Code      string `json:"code"`
	StudentID string `json:"student_id"`
	Error     string `json:"error"`
}

// SendVerification requests a code for an e-mail identity.
func (c *Client) SendVerification(ctx context.Context, email string) (SendResult, error) {
	out, err := c.post(ctx, "/api/send-verification", map[string]string{"email": email})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Batch: out.Batch, Code: out.Code}, nil
}

// VerifyCode submits a code for an e-mail identity.
func (c *Client) VerifyCode(ctx context.Context, email, code string) (VerifyResult, error) {
	out, err := c.post(ctx, "/api/verify-code", map[string]string{"email": email, "code": code})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Batch: out.Batch, StudentID: out.StudentID}, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (apiEnvelope, error) {
	var out apiEnvelope

	b, err := json.Marshal(body)
	if err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+path, bytes.NewReader(b))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("error decoding server response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		if out.Error != "" {
			return out, errors.New(out.Error)
		}
		return out, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return out, nil
}
