package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/params"
)

// Kind is the canonical executor kind behind a data source type
type Kind string

const (
	KindHTTP      Kind = "http"
	KindJSON      Kind = "json"
	KindWebSocket Kind = "websocket"
	KindScript    Kind = "script"
)

// kindAliases maps data source type names onto executor kinds
var kindAliases = map[string]Kind{
	"http":      KindHTTP,
	"api":       KindHTTP,
	"json":      KindJSON,
	"static":    KindJSON,
	"websocket": KindWebSocket,
	"ws":        KindWebSocket,
	"script":    KindScript,
}

// KindOf returns the executor kind for a data source type
func KindOf(typ string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(typ))]
	return k, ok
}

// Config is a data source configuration. Exactly one of the typed blocks
// is set, matching Type; an unrecognised Type keeps its block in Raw.
type Config struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	HTTP      *HTTPConfig      `json:"-"`
	JSON      *JSONConfig      `json:"-"`
	WebSocket *WebSocketConfig `json:"-"`
	Script    *ScriptConfig    `json:"-"`
	Raw       json.RawMessage  `json:"-"`
}

// Kind returns the canonical kind, or "" for unknown types
func (c *Config) Kind() Kind {
	k, _ := KindOf(c.Type)
	return k
}

// DynamicParams returns the parameter declarations of the active block
func (c *Config) DynamicParams() []params.DynamicParam {
	switch {
	case c.HTTP != nil:
		return c.HTTP.DynamicParams
	case c.JSON != nil:
		return c.JSON.DynamicParams
	case c.WebSocket != nil:
		return c.WebSocket.DynamicParams
	case c.Script != nil:
		return c.Script.DynamicParams
	}
	return nil
}

type wireConfig struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON reads {"id", "type", "config"} and decodes config by type
func (c *Config) UnmarshalJSON(data []byte) error {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Config{ID: w.ID, Type: w.Type}

	kind, ok := KindOf(w.Type)
	if !ok {
		c.Raw = w.Config
		return nil
	}
	if len(w.Config) == 0 || string(w.Config) == "null" {
		w.Config = []byte("{}")
	}

	var target any
	switch kind {
	case KindHTTP:
		c.HTTP = &HTTPConfig{}
		target = c.HTTP
	case KindJSON:
		c.JSON = &JSONConfig{}
		target = c.JSON
	case KindWebSocket:
		c.WebSocket = &WebSocketConfig{}
		target = c.WebSocket
	case KindScript:
		c.Script = &ScriptConfig{}
		target = c.Script
	}
	if err := json.Unmarshal(w.Config, target); err != nil {
		return fmt.Errorf("invalid %s config for data source %q: %w", kind, w.ID, err)
	}
	return nil
}

// MarshalJSON writes {"id", "type", "config"}
func (c Config) MarshalJSON() ([]byte, error) {
	w := wireConfig{ID: c.ID, Type: c.Type}

	var block any
	switch {
	case c.HTTP != nil:
		block = c.HTTP
	case c.JSON != nil:
		block = c.JSON
	case c.WebSocket != nil:
		block = c.WebSocket
	case c.Script != nil:
		block = c.Script
	}
	if block != nil {
		raw, err := json.Marshal(block)
		if err != nil {
			return nil, err
		}
		w.Config = raw
	} else if len(c.Raw) > 0 {
		w.Config = c.Raw
	}
	return json.Marshal(w)
}

// JSONConfig is a static data source. String data is parsed as JSON after
// placeholder substitution.
type JSONConfig struct {
	Data          any                   `json:"data"`
	DynamicParams []params.DynamicParam `json:"dynamicParams,omitempty"`
}

// ScriptConfig is a script data source. The script receives the context
// as `context` and the resolved parameters as `params`.
type ScriptConfig struct {
	Script        string                `json:"script"`
	Async         bool                  `json:"async,omitempty"`
	Timeout       int64                 `json:"timeout,omitempty"`
	AllowConsole  bool                  `json:"allowConsole,omitempty"`
	DynamicParams []params.DynamicParam `json:"dynamicParams,omitempty"`
}

// WebSocketConfig is a WebSocket data source. The executor connects, sends
// Message when set, and returns the first message received.
type WebSocketConfig struct {
	URL           string                `json:"url"`
	Headers       map[string]string     `json:"headers,omitempty"`
	Protocols     []string              `json:"protocols,omitempty"`
	Message       any                   `json:"message,omitempty"`
	Timeout       int64                 `json:"timeout,omitempty"`
	DynamicParams []params.DynamicParam `json:"dynamicParams,omitempty"`
}
