package inbox

import (
	"context"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service owns the data store of the signed-in identity.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
type Service interface {
	ServiceHealth

	// Connect initializes the event mirror. Call before SignIn.
	Connect(ctx context.Context) error
	// Close signs out and releases the event mirror.
	Close(ctx context.Context) error
	// SignIn tears down the current data store, if any, and builds one for id.
	// Results of requests issued under the previous identity are discarded.
	SignIn(ctx context.Context, id Identity) (DataStore, error)
	// SignOut tears down the current data store. It is a no-op when signed out.
	SignOut(ctx context.Context) error
	// Current returns the active data store, or nil when signed out.
	Current() DataStore
	// Follow signs in and out as the provider reports session changes.
	// The returned stop function ends following without signing out.
	Follow(ctx context.Context, p SessionProvider) (stop func(), err error)
	// Events returns per-service event instances for the cross-process mirror.
	// Nil before Connect.
	Events() *ServiceEvents
}

// FeedRegistry manages the feed configuration.
type FeedRegistry interface {
	// RegisterFeeds replaces the feed configuration wholesale.
	RegisterFeeds(feeds []Feed) error
	// Feeds returns the current feed configuration.
	Feeds() []Feed
	// SelectTab marks a tab of a feed as selected.
	SelectTab(feedID, datasetID string) error
	// SelectedTab returns the dataset id of the feed's selected tab.
	SelectedTab(feedID string) (string, bool)
}

// DatasetReader provides read-only snapshots. Safe to call from listeners.
type DatasetReader interface {
	Datasets() []Dataset
	Dataset(id string) (Dataset, bool)
	Message(id string) (Message, bool)
	TotalUnreadCount() int
}

// Paginator loads datasets page by page.
type Paginator interface {
	// Load fetches the first page of each selected dataset concurrently.
	Load(ctx context.Context, opts LoadOptions) error
	// FetchNextPage appends the next page to a dataset. It returns nil, nil
	// when there is nothing to fetch or the result was superseded.
	FetchNextPage(ctx context.Context, datasetID string) (*Page, error)
}

// MessageMutator applies optimistic single-message actions.
//
// Each call applies the change locally and notifies listeners before the
// remote request is issued; a failed request rolls the change back.
type MessageMutator interface {
	MarkRead(ctx context.Context, messageID string) error
	MarkUnread(ctx context.Context, messageID string) error
	Open(ctx context.Context, messageID string) error
	Click(ctx context.Context, messageID string) error
	Archive(ctx context.Context, messageID string) error
	Unarchive(ctx context.Context, messageID string) error
}

// BulkOperator applies actions to many messages.
type BulkOperator interface {
	// ReadAll marks every message read. A failure rolls back the whole batch.
	ReadAll(ctx context.Context) error
	// ArchiveRead archives every read message. A failure rolls back the whole batch.
	ArchiveRead(ctx context.Context) error
	// BulkUpdate applies flags to each message independently. Only failed
	// items are rolled back.
	BulkUpdate(ctx context.Context, messageIDs []string, flags Flags) (*BulkResult, error)
}

// RealtimeChannel manages the push connection.
type RealtimeChannel interface {
	// ListenForUpdates connects and subscribes. Concurrent calls share one attempt.
	ListenForUpdates(ctx context.Context) error
	// StopListening closes the connection without reconnecting.
	StopListening(ctx context.Context) error
	// ConnectionState returns the current connection state.
	ConnectionState() ConnState
}

// Notifier registers change listeners.
type Notifier interface {
	AddListener(fn Listener, opts ...ListenOption) Subscription
}

// DataStore is the state owner for one signed-in identity.
//
// Composed of:
//   - FeedRegistry: feed and tab configuration
//   - DatasetReader: snapshots
//   - Paginator: page loads
//   - MessageMutator: optimistic single-message actions
//   - BulkOperator: batch actions
//   - RealtimeChannel: push connection
//   - Notifier: listeners
type DataStore interface {
	FeedRegistry
	DatasetReader
	Paginator
	MessageMutator
	BulkOperator
	RealtimeChannel
	Notifier

	// Identity returns the identity the store was built for.
	Identity() Identity
	// Upsert applies updates from an external source through the same
	// pipeline as pages and pushes.
	Upsert(updates ...Update) error
	// Close cancels in-flight requests, closes the socket and stops all
	// event delivery. Listeners are dropped.
	Close(ctx context.Context) error
}
