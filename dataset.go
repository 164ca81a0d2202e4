package inbox

import "slices"

// PageState is the pagination state of a dataset.
type PageState int

const (
	PageIdle PageState = iota
	PageLoading
	PageError
)

func (s PageState) String() string {
	switch s {
	case PageIdle:
		return "idle"
	case PageLoading:
		return "loading"
	case PageError:
		return "error"
	default:
		return "unknown"
	}
}

// Dataset is a read-only snapshot of one filtered, paginated view.
// Messages are copies; modifying them does not affect the store.
type Dataset struct {
	ID     string
	Filter Filter
	// Messages are ordered newest first.
	Messages    []Message
	UnreadCount int
	CanPaginate bool
	Cursor      string
	State       PageState
	// Loaded is false until the first page arrives.
	Loaded bool
}

// Page is the result of FetchNextPage: the messages appended to the dataset.
type Page struct {
	DatasetID   string
	Messages    []Message
	CanPaginate bool
}

// datasetState is the live dataset. ids reference the canonical messages.
type datasetState struct {
	id          string
	filter      Filter
	ids         []string
	cursor      string
	canPaginate bool
	loaded      bool
	state       PageState
	unread      int
	// gen changes whenever a response in flight must no longer be applied.
	gen uint64
	// arrived holds ids changed by pushes or mutations while the first page
	// is in flight. Nil when no first page is loading.
	arrived map[string]bool
}

func newDatasetState(id string, filter Filter) *datasetState {
	return &datasetState{id: id, filter: filter}
}

func (d *datasetState) index(messageID string) int {
	return slices.Index(d.ids, messageID)
}

func (d *datasetState) contains(messageID string) bool {
	return d.index(messageID) >= 0
}

func (d *datasetState) removeAt(i int) {
	d.ids = slices.Delete(d.ids, i, i+1)
}

func (d *datasetState) insertAt(i int, messageID string) {
	d.ids = slices.Insert(d.ids, i, messageID)
}

// snapshot copies a dataset. Callers hold s.mu.
func (s *dataStore) snapshot(d *datasetState) Dataset {
	out := Dataset{
		ID:          d.id,
		Filter:      d.filter,
		Messages:    make([]Message, 0, len(d.ids)),
		UnreadCount: d.unread,
		CanPaginate: d.canPaginate,
		Cursor:      d.cursor,
		State:       d.state,
		Loaded:      d.loaded,
	}
	out.Filter.Tags = slices.Clone(d.filter.Tags)
	for _, id := range d.ids {
		if m, ok := s.messages[id]; ok {
			out.Messages = append(out.Messages, *m.Clone())
		}
	}
	return out
}

// Datasets returns snapshots of every registered dataset in registration order.
func (s *dataStore) Datasets() []Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Dataset, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshot(s.datasets[id]))
	}
	return out
}

// Dataset returns a snapshot of one dataset.
func (s *dataStore) Dataset(id string) (Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return s.snapshot(ds), true
}

// Message returns a copy of the canonical message.
func (s *dataStore) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m.Clone(), true
}

// TotalUnreadCount returns the global unread total.
func (s *dataStore) TotalUnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
