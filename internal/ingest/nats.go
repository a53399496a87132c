package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/HendryAvila/activitylog/internal/tracker"
)

// Submitter accepts validated events.
type Submitter interface {
	Submit(ctx context.Context, ev tracker.Event) error
}

// NATSConfig selects the server and subject detector events arrive on.
type NATSConfig struct {
	URL     string
	Subject string
	// Queue, when set, load-balances the subject across subscribers.
	Queue string
	Name  string
	// SubmitTimeout bounds how long one message may wait for queue space.
	SubmitTimeout time.Duration
}

// Subscriber feeds events published on a NATS subject into a Submitter.
// Messages carry the same JSON as POST /events: one object or an array.
type Subscriber struct {
	cfg    NATSConfig
	target Submitter
	logger *slog.Logger
}

// NewSubscriber creates a subscriber. Run connects it.
func NewSubscriber(cfg NATSConfig, target Submitter, logger *slog.Logger) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = "activity.events"
	}
	if cfg.Name == "" {
		cfg.Name = "activitylog"
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Subscriber{cfg: cfg, target: target, logger: logger.With("component", "nats")}
}

// Run connects, subscribes and blocks until ctx ends, then drains the
// subscription so in-flight messages are handled.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.cfg.URL == "" {
		return errors.New("ingest: nats url is empty")
	}
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("ingest: nats connect %s: %w", s.cfg.URL, err)
	}

	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.HandleMessage)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, s.HandleMessage)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("ingest: nats subscribe %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("subscribed", "url", s.cfg.URL, "subject", sub.Subject)

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("ingest: nats drain: %w", err)
	}
	return nil
}

type natsReply struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// HandleMessage decodes one message and submits its events. Request-reply
// publishers get {"accepted": n} or an error back.
func (s *Subscriber) HandleMessage(msg *nats.Msg) {
	reply := natsReply{}
	events, err := DecodeEvents(msg.Data)
	if err != nil {
		s.logger.Warn("invalid event message", "subject", msg.Subject, "error", err)
		reply.Error = err.Error()
	}
	for _, ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
		err := s.target.Submit(ctx, ev)
		cancel()
		if err != nil {
			s.logger.Warn("event not queued", "activity_type", ev.ActivityType, "error", err)
			reply.Error = err.Error()
			break
		}
		reply.Accepted++
	}
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("nats reply failed", "error", err)
	}
}
