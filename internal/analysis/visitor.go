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
	"path"
	"strings"
)

// Visitor receives every node of a response in document order.
type Visitor interface {
	VisitMessage(*Message)
	VisitOutputText(*OutputText)
	VisitRefusal(*Refusal)
	VisitFileCitation(*FileCitation)
	VisitCodeInterpreterCall(*CodeInterpreterCall)
	VisitLogs(*LogsOutput)
	VisitImage(*ImageOutput)
}

// Walk descends through items, calling v for each node before its children.
// Unknown nodes are skipped.
func Walk(items []OutputItem, v Visitor) {
	for _, item := range items {
		switch it := item.(type) {
		case *Message:
			v.VisitMessage(it)
			for _, part := range it.Content {
				walkContent(part, v)
			}
		case *CodeInterpreterCall:
			v.VisitCodeInterpreterCall(it)
			for _, out := range it.Outputs {
				walkCallOutput(out, v)
			}
		}
	}
}

func walkContent(part ContentPart, v Visitor) {
	switch p := part.(type) {
	case *OutputText:
		v.VisitOutputText(p)
		for _, ann := range p.Annotations {
			if fc, ok := ann.(*FileCitation); ok {
				v.VisitFileCitation(fc)
			}
		}
	case *Refusal:
		v.VisitRefusal(p)
	}
}

func walkCallOutput(out CallOutput, v Visitor) {
	switch o := out.(type) {
	case *LogsOutput:
		v.VisitLogs(o)
	case *ImageOutput:
		v.VisitImage(o)
	}
}

// imageRef locates one generated image: either a URL (possibly a data URL)
// or a file in a code-interpreter container.
type imageRef struct {
	URL         string
	ContainerID string
	FileID      string
	Filename    string
}

// collector gathers the narrative text and generated image references.
type collector struct {
	texts    []string
	refusals []string
	images   []imageRef
	seen     map[string]bool
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) VisitMessage(*Message) {}

func (c *collector) VisitOutputText(t *OutputText) {
	if s := strings.TrimSpace(t.Text); s != "" {
		c.texts = append(c.texts, s)
	}
}

func (c *collector) VisitRefusal(r *Refusal) {
	c.refusals = append(c.refusals, r.Refusal)
}

func (c *collector) VisitFileCitation(f *FileCitation) {
	if !isImageFilename(f.Filename) {
		return
	}
	key := f.ContainerID + "/" + f.FileID
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.images = append(c.images, imageRef{ContainerID: f.ContainerID, FileID: f.FileID, Filename: f.Filename})
}

func (c *collector) VisitCodeInterpreterCall(*CodeInterpreterCall) {}

func (c *collector) VisitLogs(*LogsOutput) {}

func (c *collector) VisitImage(i *ImageOutput) {
	if i.URL == "" || c.seen[i.URL] {
		return
	}
	c.seen[i.URL] = true
	c.images = append(c.images, imageRef{URL: i.URL})
}

func (c *collector) narrative() string {
	return strings.Join(c.texts, "\n\n")
}

func isImageFilename(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg":
		return true
	}
	return false
}
