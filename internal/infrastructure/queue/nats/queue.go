package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

const DefaultUISubject = "agent.ui.dispatch"

// UIDispatchMessage is the wire form of one UI envelope on the bus.
type UIDispatchMessage struct {
	RequestID   string        `json:"request_id"`
	Target      string        `json:"target"`
	Kind        domain.UIKind `json:"kind"`
	Value       string        `json:"value,omitempty"`
	PublishedAt time.Time     `json:"published_at"`
}

func (m UIDispatchMessage) Envelope() domain.UIEnvelope {
	return domain.UIEnvelope{Target: m.Target, Kind: m.Kind, Value: m.Value}
}

// Bus broadcasts UI envelopes produced by agent runs to out-of-band listeners.
type Bus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	now      func() time.Time
}

func New(url, subject string) (*Bus, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url, subject string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultUISubject
	}

	conn, err := nats.Connect(
		url,
		nats.Name("db-agent"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		now:      time.Now,
	}, nil
}

func (b *Bus) Subject() string {
	return b.subject
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishUIDispatch(ctx context.Context, requestID string, envelope domain.UIEnvelope) error {
	payload, err := encodeUIDispatch(UIDispatchMessage{
		RequestID:   requestID,
		Target:      envelope.Target,
		Kind:        envelope.Kind,
		Value:       envelope.Value,
		PublishedAt: b.now().UTC(),
	})
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeUIDispatch delivers every envelope to handler until ctx is done.
// Every subscriber sees every message.
func (b *Bus) SubscribeUIDispatch(ctx context.Context, handler func(context.Context, UIDispatchMessage) error) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		message, err := decodeUIDispatch(msg.Data)
		if err != nil {
			slog.Warn("ui_dispatch_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, message); err != nil {
			slog.Error("ui_dispatch_handler_failed",
				"request_id", message.RequestID,
				"target", message.Target,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeUIDispatch(message UIDispatchMessage) ([]byte, error) {
	if strings.TrimSpace(message.Target) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode ui dispatch", errors.New("target is required"))
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal ui dispatch: %w", err)
	}
	return payload, nil
}

func decodeUIDispatch(data []byte) (UIDispatchMessage, error) {
	var message UIDispatchMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return UIDispatchMessage{}, fmt.Errorf("unmarshal ui dispatch: %w", err)
	}
	if strings.TrimSpace(message.Target) == "" {
		return UIDispatchMessage{}, errors.New("ui dispatch without target")
	}
	if message.Kind == "" {
		message.Kind = domain.UIClick
	}
	return message, nil
}
