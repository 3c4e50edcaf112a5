package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/covergate/internal/reconcile"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func testEvent() reconcile.VerdictEvent {
	return reconcile.VerdictEvent{
		PassID:         "pass-1",
		Repository:     "acme/widgets",
		Trigger:        7,
		Number:         8,
		Branch:         "release",
		Verdict:        verdict.FailMissing,
		Refs:           []int{10, 11},
		MergePermitted: false,
		At:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("covergate.verdicts.acme.widgets.>")
	require.NoError(t, err)

	p, err := NewPublisher(nc, "covergate.verdicts", nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.NoError(t, p.Close())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "covergate.verdicts.acme.widgets.pr.8", msg.Subject)
	assert.Equal(t, "FAIL_MISSING", msg.Header.Get(HeaderVerdict))
	assert.Equal(t, "pass-1", msg.Header.Get(HeaderPassID))
	assert.Equal(t, "pass-1-8", msg.Header.Get(nats.MsgIdHdr))

	var got reconcile.VerdictEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, testEvent(), got)

	assert.True(t, nc.IsConnected(), "a borrowed connection stays open")
}

func TestConnect_OwnsConnection(t *testing.T) {
	server := startTestNATSServer(t)

	p, err := Connect(context.Background(), server.ClientURL(), "covergate.verdicts.", nil)
	require.NoError(t, err)
	assert.Equal(t, "covergate.verdicts.x.y.pr.1", p.Subject("x/y", 1))

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.NoError(t, p.Close())
	assert.Eventually(t, p.nc.IsClosed, 2*time.Second, 10*time.Millisecond)
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(nil, "x", nil)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	_, err = NewPublisher(nc, " . ", nil)
	assert.Error(t, err)
}

func TestSubject_Tokens(t *testing.T) {
	p := &Publisher{prefix: "gate"}
	assert.Equal(t, "gate.my_org.repo_js.pr.3", p.Subject("my.org/repo.js", 3))
	assert.Equal(t, "gate.acme._.pr.3", p.Subject("acme", 3))
}
