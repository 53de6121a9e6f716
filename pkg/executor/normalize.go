package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

const envelopeSuccessCode = 200

// decodeBody interprets a response body. JSON content types must parse;
// other bodies are parsed as JSON when possible and returned as text otherwise.
func decodeBody(raw []byte, contentType string) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var v any
	err := json.Unmarshal(trimmed, &v)
	if err == nil {
		return v, nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		return nil, errors.New(errors.TypeParse, "response body is not valid JSON", err)
	}
	return string(raw), nil
}

// unwrapEnvelope recognises the internal {code, data, message} envelope.
// Code 200 unwraps data; any other code is a system failure carrying
// message. Bodies that do not match the envelope pass through unchanged.
func unwrapEnvelope(body any) (any, error) {
	m, ok := body.(map[string]any)
	if !ok {
		return body, nil
	}
	rawCode, hasCode := m["code"]
	_, hasData := m["data"]
	_, hasMessage := m["message"]
	if !hasCode || (!hasData && !hasMessage) {
		return body, nil
	}
	code, ok := envelopeCode(rawCode)
	if !ok {
		return body, nil
	}

	if code == envelopeSuccessCode {
		return m["data"], nil
	}

	msg, _ := m["message"].(string)
	if msg == "" {
		msg = fmt.Sprintf("request failed with code %d", code)
	}
	return nil, errors.Newf(errors.TypeSystem, "%s", msg).WithDetail("code", code)
}

func envelopeCode(v any) (int, bool) {
	switch c := v.(type) {
	case float64:
		if c != float64(int(c)) {
			return 0, false
		}
		return int(c), true
	case int:
		return c, true
	case json.Number:
		n, err := c.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(c))
		return n, err == nil
	}
	return 0, false
}
