package inbox

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/rbaliyan/inbox/backend"
)

// txn collects the events produced by one atomic change. It is only used
// while s.mu is held.
type txn struct {
	s          *dataStore
	events     []Event
	touched    map[string]bool
	startTotal int
}

func (tx *txn) emit(ev Event) {
	tx.events = append(tx.events, ev)
}

func (tx *txn) touch(datasetID string) {
	if tx.touched == nil {
		tx.touched = make(map[string]bool)
	}
	tx.touched[datasetID] = true
}

// commit applies fn atomically and delivers the events it produced, in apply
// order, before returning. Nothing is applied once the store is closed.
func (s *dataStore) commit(fn func(tx *txn) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tx := &txn{s: s, startTotal: s.total}
	err := fn(tx)
	tx.finish()
	seq := s.bus.enqueue(tx.events)
	s.mu.Unlock()

	s.bus.flush(seq)
	return err
}

// finish recomputes unread counters for every dataset the change touched and
// the global total.
func (tx *txn) finish() {
	s := tx.s
	for _, id := range s.order {
		if !tx.touched[id] {
			continue
		}
		ds := s.datasets[id]
		if n := s.countUnread(ds); n != ds.unread {
			ds.unread = n
			tx.emit(UnreadCountChanged{DatasetID: id, Count: n})
		}
	}
	if !s.totalSeeded {
		s.total = s.countTotal()
	}
	if s.total < 0 {
		s.total = 0
	}
	if s.total != tx.startTotal {
		tx.emit(TotalUnreadCountChanged{Count: s.total})
	}
}

func (s *dataStore) countUnread(ds *datasetState) int {
	n := 0
	for _, id := range ds.ids {
		if m, ok := s.messages[id]; ok && !m.IsRead() {
			n++
		}
	}
	return n
}

func (s *dataStore) countTotal() int {
	n := 0
	for _, m := range s.messages {
		if m.CountsAsUnread() {
			n++
		}
	}
	return n
}

// adjust moves a server-seeded total across one message's unread transition.
// An unseeded total is recounted in finish.
func (tx *txn) adjust(before, after bool) {
	if !tx.s.totalSeeded || before == after {
		return
	}
	if after {
		tx.s.total++
	} else {
		tx.s.total--
	}
}

// upsert applies one update through the cache pipeline.
func (tx *txn) upsert(u Update) {
	switch u := u.(type) {
	case Full:
		if u.Message != nil && u.Message.ID != "" {
			tx.upsertFull(u.Message, u.Fresh, "")
		}
	case Patch:
		tx.applyPatch(u)
	}
}

// upsertFull inserts or merges a complete message and returns the canonical
// record. Content is replaced only by non-empty incoming values. Flags come
// from the incoming message except those with a pending local mutation.
// Dataset skip is not reconciled; the caller rebuilds it.
func (tx *txn) upsertFull(in *Message, fresh bool, skip string) *Message {
	s := tx.s
	cur, ok := s.messages[in.ID]
	if !ok {
		m := in.Clone()
		s.messages[m.ID] = m
		if fresh {
			tx.adjust(false, m.CountsAsUnread())
		}
		tx.reconcile(m, skip)
		return m
	}

	before := cur.Clone()
	mergeContent(cur, in)
	for _, flag := range allFlags {
		if s.pending[in.ID][flag] > 0 {
			continue
		}
		*flagPtr(cur, flag) = copyTime(*flagPtr(in, flag))
	}
	if reflect.DeepEqual(before, cur) {
		return cur
	}
	tx.adjust(before.CountsAsUnread(), cur.CountsAsUnread())
	tx.reconcile(cur, skip)
	return cur
}

func mergeContent(dst, src *Message) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Preview != "" {
		dst.Preview = src.Preview
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if len(src.Actions) > 0 {
		dst.Actions = slices.Clone(src.Actions)
	}
	if len(src.Tags) > 0 {
		dst.Tags = slices.Clone(src.Tags)
	}
	if len(src.Data) > 0 {
		c := src.Clone()
		dst.Data = c.Data
	}
	if src.Tracking.ClickID != "" {
		dst.Tracking.ClickID = src.Tracking.ClickID
	}
	if src.Tracking.ReadID != "" {
		dst.Tracking.ReadID = src.Tracking.ReadID
	}
	if src.Tracking.OpenID != "" {
		dst.Tracking.OpenID = src.Tracking.OpenID
	}
	if src.Tracking.ArchiveID != "" {
		dst.Tracking.ArchiveID = src.Tracking.ArchiveID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// applyPatch applies a flag-only change. Patches for unknown messages are
// dropped.
func (tx *txn) applyPatch(p Patch) bool {
	m, ok := tx.s.messages[p.MessageID]
	if !ok {
		return false
	}
	at := p.At
	if at.IsZero() {
		at = tx.s.now()
	}
	return tx.change(m, func(m *Message) bool { return applyFlags(m, p.Flags, at) })
}

// change runs fn on a canonical message and propagates the result to the
// total and every dataset.
func (tx *txn) change(m *Message, fn func(*Message) bool) bool {
	before := m.CountsAsUnread()
	if !fn(m) {
		return false
	}
	tx.adjust(before, m.CountsAsUnread())
	tx.reconcile(m, "")
	return true
}

// reconcile brings every loaded dataset's membership in line with m. A
// change not coming from a page (skip empty) is also noted on datasets whose
// first page is in flight, so replacePage keeps it.
func (tx *txn) reconcile(m *Message, skip string) {
	s := tx.s
	for _, id := range s.order {
		ds := s.datasets[id]
		if id == skip {
			continue
		}
		match := ds.filter.Matches(m)
		if skip == "" && ds.arrived != nil {
			if match {
				ds.arrived[m.ID] = true
			} else {
				delete(ds.arrived, m.ID)
			}
		}
		if !ds.loaded {
			continue
		}
		i := ds.index(m.ID)
		switch {
		case i >= 0 && !match:
			ds.removeAt(i)
			tx.touch(id)
			tx.emit(MessageRemoved{DatasetID: id, Message: *m.Clone(), Index: i})
		case i >= 0:
			tx.touch(id)
			tx.emit(MessageUpdated{DatasetID: id, Message: *m.Clone(), Index: i})
		case match:
			pos := s.insertPos(ds, m)
			if pos == len(ds.ids) && ds.canPaginate {
				// Older than everything materialized; a later page delivers it.
				continue
			}
			ds.insertAt(pos, m.ID)
			tx.touch(id)
			tx.emit(MessageAdded{DatasetID: id, Message: *m.Clone(), Index: pos})
		}
	}
}

func (s *dataStore) insertPos(ds *datasetState, m *Message) int {
	pos := slices.IndexFunc(ds.ids, func(id string) bool {
		other, ok := s.messages[id]
		return ok && backend.NewerFirst(m, other) < 0
	})
	if pos < 0 {
		return len(ds.ids)
	}
	return pos
}

// remove drops a message from every dataset and from the cache.
func (tx *txn) remove(id string) bool {
	s := tx.s
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	for _, dsID := range s.order {
		ds := s.datasets[dsID]
		delete(ds.arrived, id)
		if i := ds.index(id); i >= 0 {
			ds.removeAt(i)
			tx.touch(dsID)
			tx.emit(MessageRemoved{DatasetID: dsID, Message: *m.Clone(), Index: i})
		}
	}
	delete(s.messages, id)
	delete(s.pending, id)
	tx.adjust(m.CountsAsUnread(), false)
	return true
}

// replacePage installs the first page of a dataset.
func (tx *txn) replacePage(ds *datasetState, page *backend.Page) {
	s := tx.s
	ids := make([]string, 0, len(page.Messages))
	seen := make(map[string]bool, len(page.Messages))
	for i := range page.Messages {
		in := &page.Messages[i]
		if in.ID == "" || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		m := tx.upsertFull(in, false, ds.id)
		if ds.filter.Matches(m) {
			ids = append(ids, m.ID)
		}
	}
	ds.ids = ids
	ds.cursor = page.Cursor
	ds.canPaginate = page.CanPaginate
	tx.keepArrived(ds, seen)
	ds.loaded = true
	ds.state = PageIdle
	tx.touch(ds.id)

	snap := s.snapshot(ds)
	snap.UnreadCount = s.countUnread(ds)
	tx.emit(DatasetChanged{Dataset: snap})
	s.gc()
}

// keepArrived inserts messages that changed while the first page was in
// flight and that the page, built earlier, does not contain. Messages past
// the end of a page that can paginate are left to the next page.
func (tx *txn) keepArrived(ds *datasetState, inPage map[string]bool) {
	s := tx.s
	arrived := ds.arrived
	ds.arrived = nil
	for _, id := range sortedIDs(arrived) {
		m, ok := s.messages[id]
		if !ok || inPage[id] || ds.contains(id) || !ds.filter.Matches(m) {
			continue
		}
		pos := s.insertPos(ds, m)
		if pos == len(ds.ids) && ds.canPaginate {
			continue
		}
		ds.insertAt(pos, id)
	}
}

// appendPage appends a further page, skipping messages already present.
func (tx *txn) appendPage(ds *datasetState, page *backend.Page) []Message {
	added := make([]Message, 0, len(page.Messages))
	for i := range page.Messages {
		in := &page.Messages[i]
		if in.ID == "" {
			continue
		}
		m := tx.upsertFull(in, false, ds.id)
		if ds.contains(m.ID) || !ds.filter.Matches(m) {
			continue
		}
		ds.ids = append(ds.ids, m.ID)
		added = append(added, *m.Clone())
	}
	ds.cursor = page.Cursor
	ds.canPaginate = page.CanPaginate
	ds.state = PageIdle
	tx.touch(ds.id)
	tx.emit(PageAdded{DatasetID: ds.id, Messages: added, CanPaginate: ds.canPaginate})
	return added
}

// gc drops canonical messages no dataset references, unless a mutation on
// them is still in flight.
func (s *dataStore) gc() {
	referenced := make(map[string]bool, len(s.messages))
	for _, ds := range s.datasets {
		for _, id := range ds.ids {
			referenced[id] = true
		}
	}
	for id := range s.messages {
		if !referenced[id] && len(s.pending[id]) == 0 {
			delete(s.messages, id)
		}
	}
}

// datasetsContaining returns the ids of datasets that hold messageID.
func (s *dataStore) datasetsContaining(messageID string) []string {
	var out []string
	for _, id := range s.order {
		if s.datasets[id].contains(messageID) {
			out = append(out, id)
		}
	}
	return out
}

func (s *dataStore) hold(id string, f Flags) {
	for _, flag := range allFlags {
		if _, ok := f.Get(flag); !ok {
			continue
		}
		if s.pending[id] == nil {
			s.pending[id] = make(map[Flag]int)
		}
		s.pending[id][flag]++
	}
}

func (s *dataStore) release(id string, f Flags) {
	p := s.pending[id]
	if p == nil {
		return
	}
	for _, flag := range allFlags {
		if _, ok := f.Get(flag); !ok {
			continue
		}
		if p[flag]--; p[flag] <= 0 {
			delete(p, flag)
		}
	}
	if len(p) == 0 {
		delete(s.pending, id)
	}
}

// revert restores the flags in applied that still hold the value the
// optimistic change set at time at. A flag changed since then is left alone.
func (tx *txn) revert(id string, applied Flags, at time.Time, prior flagState) bool {
	m, ok := tx.s.messages[id]
	if !ok {
		return false
	}
	return tx.change(m, func(m *Message) bool {
		changed := false
		for _, flag := range allFlags {
			want, ok := applied.Get(flag)
			if !ok {
				continue
			}
			slot := flagPtr(m, flag)
			still := (want && *slot != nil && (*slot).Equal(at)) || (!want && *slot == nil)
			if !still {
				continue
			}
			*slot = copyTime(prior.slot(flag))
			changed = true
		}
		return changed
	})
}

func sortedIDs[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
