package zkill

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"killfeed/internal/fault"
)

const (
	// DefaultFeedURL is the zKillboard live killstream endpoint.
	DefaultFeedURL = "wss://zkillboard.com/websocket/"

	feedChannel = "killstream"
)

// Feed is a live subscription to the zKillboard killstream. Messages are
// read one at a time; callers own the pacing and the reconnect loop.
type Feed struct {
	conn *websocket.Conn
	log  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// DialFeed connects to the killstream and subscribes. The feed is bound
// to ctx: cancelling it closes the connection, unblocking any pending
// Next.
func DialFeed(ctx context.Context, url string, log *zap.Logger) (*Feed, error) {
	if url == "" {
		url = DefaultFeedURL
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fault.Transient(err)
	}

	sub := struct {
		Action  string `json:"action"`
		Channel string `json:"channel"`
	}{Action: "sub", Channel: feedChannel}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fault.Transient(err)
	}

	log.Info("subscribed to killstream", zap.String("url", url))
	f := &Feed{conn: conn, log: log, done: make(chan struct{})}
	go f.watch(ctx)
	return f, nil
}

// watch closes the connection when ctx is cancelled, so a Next blocked
// on a quiet stream does not outlive the caller.
func (f *Feed) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		f.log.Info("killstream cancelled, closing")
		f.conn.Close()
	case <-f.done:
	}
}

// Next blocks for the next kill on the stream. A read failure means the
// connection is gone; the caller should Close and re-dial.
func (f *Feed) Next() (KillListing, error) {
	_, msg, err := f.conn.ReadMessage()
	if err != nil {
		return KillListing{}, fault.Transient(err)
	}

	var l KillListing
	if err := json.Unmarshal(msg, &l); err != nil || l.KillmailID == 0 {
		f.log.Warn("skipping malformed feed message", zap.Error(err))
		return KillListing{}, fault.Empty(feedChannel)
	}
	l.Raw = msg
	return l, nil
}

// Close tears down the subscription.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
