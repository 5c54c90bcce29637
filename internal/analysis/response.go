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
	"fmt"
)

// The analysis response is a list of typed output items. Each variant below
// maps one "type" discriminator; anything unrecognised decodes to an Unknown
// variant so new item kinds never fail a response.

// OutputItem is a top-level entry of a response's output list.
type OutputItem interface{ outputItem() }

// ContentPart is one part of a Message.
type ContentPart interface{ contentPart() }

// Annotation is attached to an OutputText.
type Annotation interface{ annotation() }

// CallOutput is one output of a CodeInterpreterCall.
type CallOutput interface{ callOutput() }

// Message is an assistant message.
type Message struct {
	ID      string
	Role    string
	Content []ContentPart
}

// OutputText is narrative text produced by the model.
type OutputText struct {
	Text        string
	Annotations []Annotation
}

// Refusal is a refused answer.
type Refusal struct {
	Refusal string
}

// FileCitation references a file the code interpreter wrote to its container.
type FileCitation struct {
	ContainerID string
	FileID      string
	Filename    string
}

// CodeInterpreterCall is one code execution and what it produced.
type CodeInterpreterCall struct {
	ID          string
	ContainerID string
	Code        string
	Outputs     []CallOutput
}

// LogsOutput is console output of a code execution.
type LogsOutput struct {
	Logs string
}

// ImageOutput is an image produced by a code execution.
type ImageOutput struct {
	URL string
}

// Unknown is any item, part, annotation or output of an unrecognised type.
type Unknown struct {
	Type string
}

func (*Message) outputItem()             {}
func (*CodeInterpreterCall) outputItem() {}
func (*Unknown) outputItem()             {}

func (*OutputText) contentPart() {}
func (*Refusal) contentPart()    {}
func (*Unknown) contentPart()    {}

func (*FileCitation) annotation() {}
func (*Unknown) annotation()      {}

func (*LogsOutput) callOutput()  {}
func (*ImageOutput) callOutput() {}
func (*Unknown) callOutput()     {}

// response is the envelope returned by the responses endpoint.
type response struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []OutputItem `json:"-"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *response) UnmarshalJSON(data []byte) error {
	type plain response
	var aux struct {
		plain
		Output []json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = response(aux.plain)
	r.Output = make([]OutputItem, 0, len(aux.Output))
	for i, raw := range aux.Output {
		item, err := decodeOutputItem(raw)
		if err != nil {
			return fmt.Errorf("output[%d]: %w", i, err)
		}
		r.Output = append(r.Output, item)
	}
	return nil
}

func typeOf(raw json.RawMessage) (string, error) {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", err
	}
	return t.Type, nil
}

func decodeOutputItem(raw json.RawMessage) (OutputItem, error) {
	kind, err := typeOf(raw)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "message":
		var m struct {
			ID      string            `json:"id"`
			Role    string            `json:"role"`
			Content []json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg := &Message{ID: m.ID, Role: m.Role}
		for _, c := range m.Content {
			part, err := decodeContentPart(c)
			if err != nil {
				return nil, err
			}
			msg.Content = append(msg.Content, part)
		}
		return msg, nil

	case "code_interpreter_call":
		var c struct {
			ID          string            `json:"id"`
			ContainerID string            `json:"container_id"`
			Code        string            `json:"code"`
			Outputs     []json.RawMessage `json:"outputs"`
		}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		call := &CodeInterpreterCall{ID: c.ID, ContainerID: c.ContainerID, Code: c.Code}
		for _, o := range c.Outputs {
			out, err := decodeCallOutput(o)
			if err != nil {
				return nil, err
			}
			call.Outputs = append(call.Outputs, out)
		}
		return call, nil

	default:
		return &Unknown{Type: kind}, nil
	}
}

func decodeContentPart(raw json.RawMessage) (ContentPart, error) {
	kind, err := typeOf(raw)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "output_text":
		var t struct {
			Text        string            `json:"text"`
			Annotations []json.RawMessage `json:"annotations"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		text := &OutputText{Text: t.Text}
		for _, a := range t.Annotations {
			ann, err := decodeAnnotation(a)
			if err != nil {
				return nil, err
			}
			text.Annotations = append(text.Annotations, ann)
		}
		return text, nil

	case "refusal":
		var r struct {
			Refusal string `json:"refusal"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &Refusal{Refusal: r.Refusal}, nil

	default:
		return &Unknown{Type: kind}, nil
	}
}

func decodeAnnotation(raw json.RawMessage) (Annotation, error) {
	kind, err := typeOf(raw)
	if err != nil {
		return nil, err
	}

	if kind != "container_file_citation" {
		return &Unknown{Type: kind}, nil
	}

	var f struct {
		ContainerID string `json:"container_id"`
		FileID      string `json:"file_id"`
		Filename    string `json:"filename"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &FileCitation{ContainerID: f.ContainerID, FileID: f.FileID, Filename: f.Filename}, nil
}

func decodeCallOutput(raw json.RawMessage) (CallOutput, error) {
	kind, err := typeOf(raw)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "logs":
		var l struct {
			Logs string `json:"logs"`
		}
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, err
		}
		return &LogsOutput{Logs: l.Logs}, nil

	case "image":
		var i struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, err
		}
		return &ImageOutput{URL: i.URL}, nil

	default:
		return &Unknown{Type: kind}, nil
	}
}
