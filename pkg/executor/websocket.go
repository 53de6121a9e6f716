package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// DefaultWebSocketTimeout bounds a WebSocket execution when none is configured
const DefaultWebSocketTimeout = 10 * time.Second

// WebSocketExecutor connects to a WebSocket endpoint, optionally sends one
// message and returns the first message received
type WebSocketExecutor struct {
	resolver ParamResolver
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

var _ Executor = (*WebSocketExecutor)(nil)

// NewWebSocketExecutor creates a WebSocket executor. A nil dialer uses
// websocket.DefaultDialer.
func NewWebSocketExecutor(resolver ParamResolver, dialer *websocket.Dialer, logger *zap.Logger) *WebSocketExecutor {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketExecutor{resolver: resolver, dialer: dialer, logger: logger}
}

// Type returns the canonical kind
func (e *WebSocketExecutor) Type() string {
	return string(KindWebSocket)
}

// Execute dials, sends and waits for the first reply within the timeout
func (e *WebSocketExecutor) Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) *Result {
	b := newBuilder(cfg.Type)
	wc := cfg.WebSocket
	if wc == nil {
		return b.failure(errors.TypeValidation, "websocket config is missing")
	}

	values, err := templateValues(ctx, e.resolver, wc.DynamicParams, pctx, b)
	if err != nil {
		return b.fail(err)
	}
	warnMissing(b, "url", wc.URL, values)

	target := template.Substitute(wc.URL, values)
	if err := validateWebSocketURL(target); err != nil {
		return b.fail(err)
	}
	if wc.Timeout < 0 {
		return b.failure(errors.TypeValidation, "timeout must not be negative")
	}

	timeout := DefaultWebSocketTimeout
	if wc.Timeout > 0 {
		timeout = time.Duration(wc.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if wc.Headers != nil {
		substituted, _ := template.SubstituteDeep(wc.Headers, values).(map[string]string)
		filtered, dropped := filterHeaders(substituted, APIExternal, nil)
		for _, w := range dropped {
			b.warn(w)
		}
		for k, v := range filtered {
			header.Set(k, v)
		}
	}

	dialer := *e.dialer
	dialer.Subprotocols = wc.Protocols

	e.logger.Debug("Dialing websocket", zap.String("url", errors.RedactURL(target)))

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			if t := errors.ClassifyStatus(resp.StatusCode); t != "" {
				return b.fail(errors.Newf(t, "websocket handshake failed with HTTP %d", resp.StatusCode))
			}
		}
		return b.fail(wsError(ctx, "websocket dial failed", timeout, err))
	}
	defer conn.Close()

	// unblock reads when the caller cancels
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if wc.Message != nil {
		msg := template.SubstituteDeep(wc.Message, values)
		if err := writeMessage(conn, msg); err != nil {
			return b.fail(wsError(ctx, "websocket write failed", timeout, err))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return b.fail(wsError(ctx, "websocket read failed", timeout, err))
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return b.success(string(payload))
	}
	return b.success(data)
}

func writeMessage(conn *websocket.Conn, msg any) error {
	if s, ok := msg.(string); ok {
		return conn.WriteMessage(websocket.TextMessage, []byte(s))
	}
	return conn.WriteJSON(msg)
}

// wsError classifies a connection failure, preferring the context state
func wsError(ctx context.Context, msg string, timeout time.Duration, err error) error {
	switch {
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.New(errors.TypeTimeout, fmt.Sprintf("%s: no message within %s", msg, timeout), err)
	case ctx.Err() != nil:
		return errors.New(errors.TypeAbort, msg, ctx.Err())
	}
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return errors.New(errors.TypeNetwork, fmt.Sprintf("%s: connection closed with code %d", msg, closeErr.Code), err)
	}
	t := errors.Classify(err)
	if t == errors.TypeUnknown {
		t = errors.TypeNetwork
	}
	return errors.New(t, msg, err)
}

func validateWebSocketURL(raw string) error {
	if raw == "" {
		return errors.Newf(errors.TypeValidation, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New(errors.TypeValidation, "invalid url", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Newf(errors.TypeValidation, "url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Newf(errors.TypeValidation, "url must include a host")
	}
	return nil
}
