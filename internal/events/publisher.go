// Package events publishes verdict events to NATS.
//
// Each synchronized pull request of an applied pass yields one JSON message
// on the subject
//
//	{prefix}.{owner}.{repo}.pr.{number}
//
// Subscribers can watch a repository with "{prefix}.{owner}.{repo}.>".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

// Header names set on every message.
const (
	HeaderVerdict = "Covergate-Verdict"
	HeaderPassID  = "Covergate-Pass-Id"
)

// Publisher implements reconcile.Publisher on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

var _ reconcile.Publisher = (*Publisher)(nil)

// NewPublisher publishes on nc under the subject prefix. The caller keeps
// ownership of nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(ctx context.Context, url, prefix string, logger *logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("covergate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p, err := NewPublisher(nc, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	logger.Info(ctx, "connected to NATS", zap.String("subject_prefix", p.prefix))
	return p, nil
}

// Subject returns the subject for a pull request of repository
// ("owner/name").
func (p *Publisher) Subject(repository string, number int) string {
	owner, repo, _ := strings.Cut(repository, "/")
	return strings.Join([]string{p.prefix, token(owner), token(repo), "pr", strconv.Itoa(number)}, ".")
}

// Publish implements reconcile.Publisher.
func (p *Publisher) Publish(ctx context.Context, ev reconcile.VerdictEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal verdict event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(ev.Repository, ev.Number))
	msg.Data = data
	msg.Header.Set(HeaderVerdict, ev.Verdict.String())
	msg.Header.Set(HeaderPassID, ev.PassID)
	// Lets a JetStream stream on these subjects drop redelivered passes.
	msg.Header.Set(nats.MsgIdHdr, ev.PassID+"-"+strconv.Itoa(ev.Number))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish verdict event: %w", err)
	}
	p.logger.Debug(ctx, "published verdict event",
		zap.String("subject", msg.Subject),
		zap.String("verdict", ev.Verdict.String()),
	)
	return nil
}

// Close flushes pending messages. It closes the connection only if Connect
// created it.
func (p *Publisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}

// token makes s usable as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
