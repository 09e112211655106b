// Package upstream defines the contracts this system consumes from the
// chat platform: account login, channel polling, and item fetch. Adapters
// implement them per platform; the monitor and pipeline stay agnostic.
package upstream

import (
	"context"
	"io"
	"time"
)

// Account identifies one user's upstream identity and app credential pair.
type Account struct {
	UserID    string
	AccountID string
	AppID     string
	AppSecret string
}

// Item is one media item observed in a channel. Ref is stable per channel
// and is the dedup key component for detection. FetchRef is the platform's
// opaque payload handle, carried through to Fetch.
type Item struct {
	Ref         string
	FetchRef    string
	Title       string
	Filename    string
	ContentType string
	// ByteSize is the declared payload size, 0 when the platform does not
	// report one.
	ByteSize int64
	PostedAt time.Time
}

// Client is a live upstream session for one account.
type Client interface {
	// ListNewItems returns media items in the channel posted after since.
	ListNewItems(ctx context.Context, sourceRef string, since time.Time) ([]Item, error)
	// Fetch opens the payload stream for an item.
	Fetch(ctx context.Context, sourceRef string, item Item) (io.ReadCloser, error)
	// Close stops update polling. Fetches already in flight are unaffected
	// and run to completion.
	Close() error
}

// Connector dials the upstream platform for one account.
type Connector interface {
	// DeliverCode sends a one-time login code to the account out of band.
	DeliverCode(ctx context.Context, account Account, code string) error
	// Connect opens a live session. Called only after the code round trip
	// has been confirmed.
	Connect(ctx context.Context, account Account) (Client, error)
}
