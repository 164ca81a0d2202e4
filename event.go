package inbox

// Event is a change notification delivered to listeners.
//
// The set of variants is closed; switch on the concrete type:
//
//	store.AddListener(func(ev inbox.Event) {
//	    switch ev := ev.(type) {
//	    case inbox.MessageUpdated:
//	        render(ev.DatasetID, ev.Index, ev.Message)
//	    case inbox.UnreadCountChanged:
//	        badge(ev.DatasetID, ev.Count)
//	    case inbox.ErrorEvent:
//	        toast(ev.Err)
//	    }
//	})
type Event interface {
	isEvent()
}

// DatasetChanged is emitted when a dataset is replaced wholesale: first page
// loaded, served from cache, or created by a feed registration.
type DatasetChanged struct {
	Dataset Dataset
}

// PageAdded is emitted when a further page is appended to a dataset.
type PageAdded struct {
	DatasetID   string
	Messages    []Message
	CanPaginate bool
}

// MessageAdded is emitted when a message enters a dataset at Index.
type MessageAdded struct {
	DatasetID string
	Message   Message
	Index     int
}

// MessageRemoved is emitted when a message leaves a dataset. Index is the
// position it held.
type MessageRemoved struct {
	DatasetID string
	Message   Message
	Index     int
}

// MessageUpdated is emitted when a message in a dataset changes in place.
type MessageUpdated struct {
	DatasetID string
	Message   Message
	Index     int
}

// UnreadCountChanged is emitted when a dataset's unread count changes.
type UnreadCountChanged struct {
	DatasetID string
	Count     int
}

// TotalUnreadCountChanged is emitted when the global unread total changes.
type TotalUnreadCountChanged struct {
	Count int
}

// TabSelected is emitted when a feed's selected tab changes.
type TabSelected struct {
	FeedID    string
	DatasetID string
}

// ConnectionStateChanged is emitted on real-time connection transitions.
// Individual reconnect attempts are not reported.
type ConnectionStateChanged struct {
	State ConnState
}

// ErrorEvent carries a failure scoped to Err.DatasetIDs.
type ErrorEvent struct {
	Err *OperationError
}

func (DatasetChanged) isEvent()          {}
func (PageAdded) isEvent()               {}
func (MessageAdded) isEvent()            {}
func (MessageRemoved) isEvent()          {}
func (MessageUpdated) isEvent()          {}
func (UnreadCountChanged) isEvent()      {}
func (TotalUnreadCountChanged) isEvent() {}
func (TabSelected) isEvent()             {}
func (ConnectionStateChanged) isEvent()  {}
func (ErrorEvent) isEvent()              {}

// eventDatasets returns the datasets an event concerns. global is true for
// events every listener receives regardless of dataset scope.
func eventDatasets(ev Event) (ids []string, global bool) {
	switch e := ev.(type) {
	case DatasetChanged:
		return []string{e.Dataset.ID}, false
	case PageAdded:
		return []string{e.DatasetID}, false
	case MessageAdded:
		return []string{e.DatasetID}, false
	case MessageRemoved:
		return []string{e.DatasetID}, false
	case MessageUpdated:
		return []string{e.DatasetID}, false
	case UnreadCountChanged:
		return []string{e.DatasetID}, false
	case TabSelected:
		return []string{e.DatasetID}, false
	case ErrorEvent:
		if len(e.Err.DatasetIDs) == 0 {
			return nil, true
		}
		return e.Err.DatasetIDs, false
	default:
		return nil, true
	}
}
