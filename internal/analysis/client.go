// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analysis submits an email's text and attachments to a
// responses-style model API with the code interpreter enabled, and returns
// the narrative plus any images the model generated.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mailbrief/pipeline/internal/models"
)

// DefaultInstructions asks for a written summary plus charts of any tabular
// data found in the attachments.
const DefaultInstructions = "Summarise this email and its attachments for a project dashboard. " +
	"Where attachments contain tabular or numeric data, use the python tool to chart it."

// maxImageBytes caps a single downloaded visualization.
const maxImageBytes = 20 << 20

// Image is one generated visualization.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is the structured output of one analysis.
type Result struct {
	ResponseID string
	Narrative  string
	Images     []Image
}

// StatusError is returned for non-2xx responses from the analysis service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned HTTP %d: %s", e.StatusCode, e.Body)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL      string
	Model        string
	Instructions string
}

// Client calls the analysis service.
type Client struct {
	httpClient   *http.Client
	downloads    *http.Client
	baseURL      string
	model        string
	instructions string
}

// NewClient creates an analysis client. httpClient must attach credentials;
// see NewHTTPClient.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	// Images hosted elsewhere are fetched without the service credentials.
	downloads := &http.Client{}
	if httpClient != nil {
		downloads.Timeout = httpClient.Timeout
	}
	return &Client{
		httpClient:   httpClient,
		downloads:    downloads,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		instructions: instructions,
	}
}

// Credentials selects how the analysis service is authenticated: a static
// API key, or an OAuth2 client-credentials grant when ClientID is set.
type Credentials struct {
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewHTTPClient returns an HTTP client that attaches a bearer token from
// creds to every request.
func NewHTTPClient(ctx context.Context, creds Credentials, timeout time.Duration) *http.Client {
	var ts oauth2.TokenSource
	if creds.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		}
		ts = cc.TokenSource(ctx)
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.APIKey, TokenType: "Bearer"})
	}

	client := oauth2.NewClient(ctx, ts)
	client.Timeout = timeout
	return client
}

type inputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type tool struct {
	Type      string `json:"type"`
	Container struct {
		Type string `json:"type"`
	} `json:"container"`
}

type request struct {
	Model        string         `json:"model"`
	Instructions string         `json:"instructions"`
	Tools        []tool         `json:"tools"`
	Input        []inputMessage `json:"input"`
}

// Analyze submits the text body and attachments and waits for the completed
// response, then downloads the generated images.
func (c *Client) Analyze(ctx context.Context, textBody string, attachments []models.Attachment) (*Result, error) {
	body, err := json.Marshal(c.buildRequest(textBody, attachments))
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}

	if parsed.Error != nil {
		return nil, fmt.Errorf("analysis failed: %s: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Status != "" && parsed.Status != "completed" {
		return nil, fmt.Errorf("analysis response %s has status %q", parsed.ID, parsed.Status)
	}

	col := newCollector()
	Walk(parsed.Output, col)

	narrative := col.narrative()
	if narrative == "" {
		if len(col.refusals) > 0 {
			return nil, fmt.Errorf("analysis refused: %s", strings.Join(col.refusals, "; "))
		}
		return nil, errors.New("analysis returned no narrative text")
	}

	result := &Result{ResponseID: parsed.ID, Narrative: narrative}
	for i, ref := range col.images {
		img, err := c.fetchImage(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch image %d: %w", i+1, err)
		}
		result.Images = append(result.Images, *img)
	}

	slog.Debug("analysis complete",
		"response_id", parsed.ID,
		"narrative_len", len(narrative),
		"images", len(result.Images),
	)

	return result, nil
}

func (c *Client) buildRequest(textBody string, attachments []models.Attachment) request {
	content := []inputPart{{Type: "input_text", Text: textBody}}
	for _, att := range attachments {
		if att.Content == "" {
			continue
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		dataURL := "data:" + contentType + ";base64," + att.Content
		if strings.HasPrefix(contentType, "image/") {
			content = append(content, inputPart{Type: "input_image", ImageURL: dataURL})
			continue
		}
		content = append(content, inputPart{Type: "input_file", Filename: att.Name, FileData: dataURL})
	}

	ci := tool{Type: "code_interpreter"}
	ci.Container.Type = "auto"

	return request{
		Model:        c.model,
		Instructions: c.instructions,
		Tools:        []tool{ci},
		Input:        []inputMessage{{Role: "user", Content: content}},
	}
}

// fetchImage resolves an image reference to bytes.
func (c *Client) fetchImage(ctx context.Context, ref imageRef) (*Image, error) {
	if strings.HasPrefix(ref.URL, "data:") {
		contentType, data, err := decodeDataURL(ref.URL)
		if err != nil {
			return nil, err
		}
		return &Image{ContentType: contentType, Data: data}, nil
	}

	target := ref.URL
	if target == "" {
		target = fmt.Sprintf("%s/containers/%s/files/%s/content",
			c.baseURL, url.PathEscape(ref.ContainerID), url.PathEscape(ref.FileID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := c.httpClient
	if !c.isServiceURL(target) {
		client = c.downloads
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	contentType := mime.TypeByExtension(path.Ext(ref.Filename))
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	return &Image{Name: ref.Filename, ContentType: contentType, Data: data}, nil
}

// isServiceURL reports whether target has the analysis service's scheme and
// host.
func (c *Client) isServiceURL(target string) bool {
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(t.Scheme, base.Scheme) && strings.EqualFold(t.Host, base.Host)
}

// decodeDataURL parses a base64 data URL such as "data:image/png;base64,...".
func decodeDataURL(s string) (string, []byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return "", nil, errors.New("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return contentType, data, nil
}
