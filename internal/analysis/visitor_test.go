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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nestedResponse = `{
  "id": "resp_2",
  "status": "completed",
  "output": [
    {"type": "web_search_call", "id": "ws_1"},
    {
      "type": "code_interpreter_call",
      "id": "ci_1",
      "container_id": "cntr_1",
      "outputs": [
        {"type": "logs", "logs": "plotted"},
        {"type": "image", "url": "https://files.example.com/a.png"},
        {"type": "image", "url": "https://files.example.com/a.png"},
        {"type": "future_output"}
      ]
    },
    {
      "type": "message",
      "role": "assistant",
      "content": [
        {
          "type": "output_text",
          "text": "  First paragraph.  ",
          "annotations": [
            {"type": "url_citation", "url": "https://example.com"},
            {"type": "container_file_citation", "container_id": "cntr_1", "file_id": "cfile_1", "filename": "chart.PNG"},
            {"type": "container_file_citation", "container_id": "cntr_1", "file_id": "cfile_1", "filename": "chart.PNG"},
            {"type": "container_file_citation", "container_id": "cntr_1", "file_id": "cfile_2", "filename": "data.csv"}
          ]
        },
        {"type": "output_text", "text": "   "},
        {"type": "refusal", "refusal": "cannot open archive"},
        {"type": "output_text", "text": "Second paragraph."}
      ]
    }
  ]
}`

// recorder notes the order in which nodes are visited.
type recorder struct {
	order []string
}

func (r *recorder) VisitMessage(*Message)                         { r.order = append(r.order, "message") }
func (r *recorder) VisitOutputText(*OutputText)                   { r.order = append(r.order, "text") }
func (r *recorder) VisitRefusal(*Refusal)                         { r.order = append(r.order, "refusal") }
func (r *recorder) VisitFileCitation(*FileCitation)               { r.order = append(r.order, "citation") }
func (r *recorder) VisitCodeInterpreterCall(*CodeInterpreterCall) { r.order = append(r.order, "call") }
func (r *recorder) VisitLogs(*LogsOutput)                         { r.order = append(r.order, "logs") }
func (r *recorder) VisitImage(*ImageOutput)                       { r.order = append(r.order, "image") }

func decodeResponse(t *testing.T, body string) *response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	return &resp
}

func TestWalk_DocumentOrderSkippingUnknown(t *testing.T) {
	resp := decodeResponse(t, nestedResponse)

	rec := &recorder{}
	Walk(resp.Output, rec)

	assert.Equal(t, []string{
		"call", "logs", "image", "image",
		"message", "text", "citation", "citation", "citation", "text", "refusal", "text",
	}, rec.order)
}

func TestCollector_GathersNarrativeAndDedupsImages(t *testing.T) {
	resp := decodeResponse(t, nestedResponse)

	c := newCollector()
	Walk(resp.Output, c)

	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", c.narrative())
	assert.Equal(t, []string{"cannot open archive"}, c.refusals)
	assert.Equal(t, []imageRef{
		{URL: "https://files.example.com/a.png"},
		{ContainerID: "cntr_1", FileID: "cfile_1", Filename: "chart.PNG"},
	}, c.images)
}

func TestResponse_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"output not an array", `{"output": {}}`},
		{"item type not a string", `{"output": [{"type": 7}]}`},
		{"content part malformed", `{"output": [{"type": "message", "content": ["x"]}]}`},
		{"annotation malformed", `{"output": [{"type": "message", "content": [{"type": "output_text", "annotations": [1]}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp response
			assert.Error(t, json.Unmarshal([]byte(tt.body), &resp))
		})
	}
}

func TestIsImageFilename(t *testing.T) {
	for name, want := range map[string]bool{
		"plot.png":   true,
		"PLOT.JPEG":  true,
		"anim.gif":   true,
		"vector.svg": true,
		"table.csv":  false,
		"noext":      false,
	} {
		assert.Equal(t, want, isImageFilename(name), name)
	}
}
