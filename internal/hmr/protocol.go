package hmr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is a message sent to or received from the browser client.
type Payload interface {
	Type() string
}

// ConnectedPayload is sent when a client connects.
type ConnectedPayload struct{}

// UpdatePayload carries the modules the client must re-import.
type UpdatePayload struct {
	Updates []Update `json:"updates"`
}

// Update names the boundary module to re-import and the changed module it accepted.
type Update struct {
	Type         string `json:"type"` // "js-update" or "css-update"
	Path         string `json:"path"`
	AcceptedPath string `json:"acceptedPath"`
	Timestamp    int64  `json:"timestamp"`
}

// ReloadPayload asks the client to reload. An empty path or `*` reloads any page,
// otherwise only the page served at the path.
type ReloadPayload struct {
	Path string `json:"path,omitempty"`
}

// PrunePayload lists the modules no longer imported by anything.
type PrunePayload struct {
	Paths []string `json:"paths"`
}

// ErrorPayload reports a transform error to be shown in the overlay.
type ErrorPayload struct {
	Err ErrorInfo `json:"err"`
}

// ErrorInfo describes a server side error.
type ErrorInfo struct {
	Message string    `json:"message"`
	Stack   string    `json:"stack"`
	ID      string    `json:"id,omitempty"`
	Frame   string    `json:"frame,omitempty"`
	Plugin  string    `json:"plugin,omitempty"`
	Loc     *ErrorLoc `json:"loc,omitempty"`
}

// ErrorLoc is a position in a source file.
type ErrorLoc struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// CustomPayload is a user defined event.
type CustomPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (ConnectedPayload) Type() string { return "connected" }
func (UpdatePayload) Type() string    { return "update" }
func (ReloadPayload) Type() string    { return "reload" }
func (PrunePayload) Type() string     { return "prune" }
func (ErrorPayload) Type() string     { return "error" }
func (CustomPayload) Type() string    { return "custom" }

// Marshal encodes the payload with its `type` tag.
func Marshal(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(p.Type())
	if string(body) == "{}" {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	buf := make([]byte, 0, len(body)+len(tag)+9)
	buf = append(buf, `{"type":`...)
	buf = append(buf, tag...)
	buf = append(buf, ',')
	buf = append(buf, body[1:]...)
	return buf, nil
}

// Unmarshal decodes a tagged payload.
func Unmarshal(data []byte) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "connected":
		return ConnectedPayload{}, nil
	case "update":
		var v UpdatePayload
		err := json.Unmarshal(data, &v)
		return v, err
	case "reload":
		var v ReloadPayload
		err := json.Unmarshal(data, &v)
		return v, err
	case "prune":
		var v PrunePayload
		err := json.Unmarshal(data, &v)
		return v, err
	case "error":
		var v ErrorPayload
		err := json.Unmarshal(data, &v)
		return v, err
	case "custom":
		var v CustomPayload
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown payload type %q", head.Type)
	}
}
