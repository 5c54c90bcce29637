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

package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbrief/pipeline/internal/models"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image")

const completedResponse = `{
  "id": "resp_1",
  "status": "completed",
  "output": [
    {"type": "reasoning", "id": "rs_1"},
    {
      "type": "code_interpreter_call",
      "id": "ci_1",
      "container_id": "cntr_1",
      "code": "plot()",
      "outputs": [
        {"type": "logs", "logs": "ok"},
        {"type": "image", "url": "data:image/png;base64,%s"}
      ]
    },
    {
      "type": "message",
      "id": "msg_1",
      "role": "assistant",
      "content": [
        {
          "type": "output_text",
          "text": "Revenue grew 12%%.",
          "annotations": [
            {"type": "container_file_citation", "container_id": "cntr_1", "file_id": "cfile_1", "filename": "chart.png"},
            {"type": "container_file_citation", "container_id": "cntr_1", "file_id": "cfile_2", "filename": "data.csv"},
            {"type": "url_citation", "url": "https://example.com"}
          ]
        },
        {"type": "output_text", "text": "Costs were flat."}
      ]
    }
  ]
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.Client(), ClientConfig{BaseURL: srv.URL + "/", Model: "test-model"})
	return srv, client
}

func TestAnalyze_CollectsNarrativeAndImages(t *testing.T) {
	var gotReq request
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/responses":
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			w.Header().Set("Content-Type", "application/json")
			body := strings.Replace(completedResponse, "%s", base64.StdEncoding.EncodeToString(pngBytes), 1)
			body = strings.ReplaceAll(body, "%%", "%")
			w.Write([]byte(body))
		case "/containers/cntr_1/files/cfile_1/content":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(pngBytes)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	attachments := []models.Attachment{
		{Name: "q3.csv", ContentType: "text/csv", Content: base64.StdEncoding.EncodeToString([]byte("a,b\n1,2"))},
		{Name: "logo.png", ContentType: "image/png", Content: base64.StdEncoding.EncodeToString(pngBytes)},
		{Name: "empty.txt", ContentType: "text/plain"},
	}

	res, err := client.Analyze(context.Background(), "Quarterly numbers attached.", attachments)
	require.NoError(t, err)

	assert.Equal(t, "resp_1", res.ResponseID)
	assert.Equal(t, "Revenue grew 12%.\n\nCosts were flat.", res.Narrative)
	require.Len(t, res.Images, 2)
	assert.Equal(t, "image/png", res.Images[0].ContentType)
	assert.Equal(t, pngBytes, res.Images[0].Data)
	assert.Equal(t, "chart.png", res.Images[1].Name)
	assert.Equal(t, "image/png", res.Images[1].ContentType)

	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "code_interpreter", gotReq.Tools[0].Type)
	require.Len(t, gotReq.Input, 1)
	parts := gotReq.Input[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "input_text", parts[0].Type)
	assert.Equal(t, "input_file", parts[1].Type)
	assert.Equal(t, "q3.csv", parts[1].Filename)
	assert.True(t, strings.HasPrefix(parts[1].FileData, "data:text/csv;base64,"))
	assert.Equal(t, "input_image", parts[2].Type)
}

func TestAnalyze_StatusError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	})

	_, err := client.Analyze(context.Background(), "hi", nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Contains(t, se.Body, "rate limited")
}

func TestAnalyze_IncompleteResponse(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"resp_2","status":"incomplete","output":[]}`))
	})

	_, err := client.Analyze(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestAnalyze_RefusalWithoutNarrative(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"r","status":"completed","output":[
			{"type":"message","role":"assistant","content":[{"type":"refusal","refusal":"cannot help"}]}
		]}`))
	})

	_, err := client.Analyze(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot help")
}

func TestAnalyze_ImageDownloadFailure(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/responses" {
			w.Write([]byte(`{"id":"r","status":"completed","output":[
				{"type":"message","role":"assistant","content":[{"type":"output_text","text":"see chart",
				 "annotations":[{"type":"container_file_citation","container_id":"c","file_id":"f","filename":"plot.png"}]}]}
			]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Analyze(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch image 1")
}

func TestAnalyze_ContextTimeout(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Analyze(ctx, "hi", nil)
	require.Error(t, err)
}

func TestNewHTTPClient_AttachesBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"r","status":"completed","output":[
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"done"}]}]}`))
	}))
	defer srv.Close()

	httpClient := NewHTTPClient(context.Background(), Credentials{APIKey: "sk-test"}, 5*time.Second)
	client := NewClient(httpClient, ClientConfig{BaseURL: srv.URL})

	res, err := client.Analyze(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Narrative)
	assert.Equal(t, "Bearer sk-test", auth)
}

// Generated images hosted on another origin are downloaded without the
// analysis service's bearer token.
func TestAnalyze_TokenOnlySentToServiceHost(t *testing.T) {
	var externalAuth string
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer files.Close()

	var containerAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/responses" {
			w.Write([]byte(`{"id":"r","status":"completed","output":[
				{"type":"code_interpreter_call","container_id":"c","outputs":[{"type":"image","url":"` + files.URL + `/plot.png"}]},
				{"type":"message","role":"assistant","content":[{"type":"output_text","text":"charts",
				 "annotations":[{"type":"container_file_citation","container_id":"c","file_id":"f","filename":"bars.png"}]}]}
			]}`))
			return
		}
		containerAuth = r.Header.Get("Authorization")
		w.Write(pngBytes)
	}))
	defer api.Close()

	httpClient := NewHTTPClient(context.Background(), Credentials{APIKey: "sk-test"}, 5*time.Second)
	client := NewClient(httpClient, ClientConfig{BaseURL: api.URL})

	res, err := client.Analyze(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, res.Images, 2)

	assert.Empty(t, externalAuth)
	assert.Equal(t, "Bearer sk-test", containerAuth)
}

func TestIsServiceURL(t *testing.T) {
	client := NewClient(http.DefaultClient, ClientConfig{BaseURL: "https://api.example.com/v1"})

	assert.True(t, client.isServiceURL("https://api.example.com/v1/containers/c/files/f/content"))
	assert.True(t, client.isServiceURL("https://API.example.com/other"))
	assert.False(t, client.isServiceURL("https://files.example.com/plot.png"))
	assert.False(t, client.isServiceURL("http://api.example.com/v1/x"))
	assert.False(t, client.isServiceURL("https://api.example.com:8443/v1/x"))
	assert.False(t, client.isServiceURL("://bad"))
}

func TestDecodeDataURL(t *testing.T) {
	ct, data, err := decodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, pngBytes, data)

	_, _, err = decodeDataURL("data:image/png,raw")
	assert.Error(t, err)

	_, _, err = decodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}
