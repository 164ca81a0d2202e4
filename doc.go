// Package inbox provides a client-side inbox data store that stays in sync
// with a remote inbox service.
//
// The store holds a normalized message cache shared by any number of
// datasets. A dataset is a filtered, paginated, newest-first view of the
// cache; feeds group datasets into tabs. Every change, whether from a page
// fetch, a local mutation, or a server push, flows through one pipeline so
// that a message shared by several datasets stays consistent in all of them
// and unread counters never drift.
//
// # Basic Usage
//
//	srv := memory.New()
//	ds, err := inbox.NewDataStore(inbox.Identity{UserID: "user123"}, srv, srv.Socket())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ds.Close(ctx)
//
//	err = ds.RegisterFeeds([]inbox.Feed{{
//	    ID: "main",
//	    Tabs: []inbox.Tab{
//	        {DatasetID: "all", Title: "All", Filter: backend.Unarchived()},
//	        {DatasetID: "unread", Title: "Unread", Filter: backend.UnreadOnly()},
//	    },
//	}})
//
//	sub := ds.AddListener(func(ev inbox.Event) {
//	    switch ev := ev.(type) {
//	    case inbox.MessageUpdated:
//	        render(ev.DatasetID, ev.Index, ev.Message)
//	    case inbox.TotalUnreadCountChanged:
//	        badge(ev.Count)
//	    }
//	})
//	defer sub.Remove()
//
//	_ = ds.Load(ctx, inbox.LoadOptions{})
//	_ = ds.ListenForUpdates(ctx)
//
// # Mutations
//
// MarkRead, MarkUnread, Open, Archive and Unarchive apply optimistically:
// listeners see the change before the request is sent. If the server rejects
// it, the change is reverted and an ErrorEvent is emitted. Mutations on a
// message that already has the requested state are no-ops and send nothing.
//
// # Sessions
//
// A Service owns at most one DataStore at a time, scoped to the signed-in
// identity. Signing in as someone else tears the previous store down; results
// of its in-flight requests are discarded.
//
//	svc, _ := inbox.NewService(inbox.WithConnector(connect))
//	_ = svc.Connect(ctx)
//	stop, _ := svc.Follow(ctx, sessions)
//	defer stop()
//
// # Events
//
// Confirmed changes are mirrored on a github.com/rbaliyan/event/v3 bus so
// other processes serving the same user can follow along. Pass
// WithRedisClient or WithEventTransport when creating the service:
//
//	events := svc.Events()
//	events.MessageChanged.Subscribe(ctx, handler)
//	events.UnreadCountChanged.Subscribe(ctx, handler)
//
// # Backends
//
// The backend package defines the API and Socket contracts. Implementations:
//   - In-memory (backend/memory) - for tests and demos
//   - PostgreSQL (backend/postgres) - accepts *sqlx.DB
//   - MongoDB (backend/mongo) - accepts *mongo.Client
//   - Redis pub/sub push channel (backend/redis)
package inbox
