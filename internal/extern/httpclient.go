package extern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultClientTimeout = 60 * time.Second

// HTTPGenerator calls a generation backend over HTTP.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator builds a generator client for the given base URL.
func NewHTTPGenerator(baseURL string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &HTTPGenerator{baseURL: baseURL, client: client}
}

func (generator *HTTPGenerator) Generate(ctx context.Context, request GenerateRequest) (GeneratedPost, error) {
	var response struct {
		Body     string   `json:"body"`
		Hashtags []string `json:"hashtags"`
	}
	err := postJSON(ctx, generator.client, generator.baseURL+"/v1/generate", request, &response)
	if err != nil {
		return GeneratedPost{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return GeneratedPost{Body: response.Body, Hashtags: response.Hashtags}, nil
}

// HTTPPublisher calls the publishing pipeline over HTTP.
type HTTPPublisher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPublisher builds a publisher client for the given base URL.
func NewHTTPPublisher(baseURL string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &HTTPPublisher{baseURL: baseURL, client: client}
}

func (publisher *HTTPPublisher) Publish(ctx context.Context, request PublishRequest) (PublishResult, error) {
	var response struct {
		ExternalPostID string `json:"external_post_id"`
		Scheduled      bool   `json:"scheduled"`
	}
	err := postJSON(ctx, publisher.client, publisher.baseURL+"/v1/publish", request, &response)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return PublishResult{ExternalPostID: response.ExternalPostID, Scheduled: response.Scheduled}, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}
