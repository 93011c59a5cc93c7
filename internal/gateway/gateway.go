// Package gateway defines the contract of the remote data gateway: table
// queries, mutations, RPC, realtime change streams and object storage.
// Rows cross this boundary untyped; internal/chatstore turns them into models.
package gateway

import (
	"context"
	"time"
)

// Row is one record as returned by the gateway.
type Row map[string]any

// ID returns the row's "id" column as a string, or "" when absent.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Order sorts a query by one column.
type Order struct {
	Column    string
	Ascending bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column, Ascending: true} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column} }

// Query selects rows from a single table.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
}

// ChangeType is the kind of row mutation carried by a realtime event.
type ChangeType string

// Realtime change types.
const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one committed mutation delivered on a subscription.
type ChangeEvent struct {
	Type            ChangeType `json:"type"`
	Table           string     `json:"table"`
	New             Row        `json:"new,omitempty"`
	Old             Row        `json:"old,omitempty"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}

// Channel selects which change events a subscription receives.
type Channel struct {
	Table  string
	Events []ChangeType
	Filter *Filter
}

// Wants reports whether the channel accepts events of type t on its table.
// An empty Events list accepts every change type.
func (c Channel) Wants(t ChangeType) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Matches reports whether ev belongs to this channel.
func (c Channel) Matches(ev ChangeEvent) bool {
	if ev.Table != c.Table || !c.Wants(ev.Type) {
		return false
	}
	if c.Filter == nil {
		return true
	}
	row := ev.New
	if ev.Type == ChangeDelete {
		row = ev.Old
	}
	return c.Filter.Match(row)
}

// Subscription is a live realtime change stream. Events is closed once the
// subscription ends, either through Close or because the transport failed.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Client is the table, RPC and realtime surface of the gateway. Row-level
// security is enforced remotely against the authenticated caller.
type Client interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Count(ctx context.Context, q Query) (int, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filters []Filter, patch Row) ([]Row, error)
	Delete(ctx context.Context, table string, filters []Filter) error
	RPC(ctx context.Context, fn string, args Row) (any, error)
	Subscribe(ctx context.Context, ch Channel) (Subscription, error)
}

// SignedUpload is a short-lived URL a client can PUT an object to.
type SignedUpload struct {
	URL       string    `json:"url"`
	Bucket    string    `json:"bucket"`
	Path      string    `json:"path"`
	PublicURL string    `json:"public_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Storage issues signed upload URLs for object storage.
type Storage interface {
	CreateSignedUpload(ctx context.Context, bucket, path string) (SignedUpload, error)
}
