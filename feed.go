package inbox

import (
	"fmt"
	"slices"
)

// Feed is a named group of tabs.
type Feed struct {
	ID    string
	Title string
	Tabs  []Tab
}

// Tab binds one dataset to one filter.
type Tab struct {
	DatasetID string
	Title     string
	Filter    Filter
}

// validateFeeds checks a registration: feed ids unique, dataset ids
// non-empty and unique across all feeds, filters valid.
func validateFeeds(feeds []Feed) error {
	feedIDs := make(map[string]bool, len(feeds))
	datasetIDs := make(map[string]bool)
	for _, f := range feeds {
		if feedIDs[f.ID] {
			return fmt.Errorf("%w: duplicate feed id %q", ErrInvalidFeeds, f.ID)
		}
		feedIDs[f.ID] = true
		for _, tab := range f.Tabs {
			if tab.DatasetID == "" {
				return fmt.Errorf("%w: feed %q has a tab without dataset id", ErrInvalidFeeds, f.ID)
			}
			if datasetIDs[tab.DatasetID] {
				return fmt.Errorf("%w: duplicate dataset id %q", ErrInvalidFeeds, tab.DatasetID)
			}
			datasetIDs[tab.DatasetID] = true
			if err := tab.Filter.Validate(); err != nil {
				return fmt.Errorf("%w: dataset %q: %w", ErrInvalidFeeds, tab.DatasetID, err)
			}
		}
	}
	return nil
}

func cloneFeeds(feeds []Feed) []Feed {
	out := make([]Feed, len(feeds))
	for i, f := range feeds {
		out[i] = f
		out[i].Tabs = make([]Tab, len(f.Tabs))
		for j, tab := range f.Tabs {
			out[i].Tabs[j] = tab
			out[i].Tabs[j].Filter.Tags = slices.Clone(tab.Filter.Tags)
		}
	}
	return out
}

func (f Feed) hasDataset(id string) bool {
	return slices.ContainsFunc(f.Tabs, func(t Tab) bool { return t.DatasetID == id })
}

// RegisterFeeds replaces the feed configuration. A dataset whose id and
// filter are unchanged keeps its messages, cursor and state. Datasets that
// are new or whose filter changed are created empty and must be loaded.
// Datasets no longer referenced are dropped. Listeners are unaffected.
func (s *dataStore) RegisterFeeds(feeds []Feed) error {
	if err := validateFeeds(feeds); err != nil {
		return err
	}
	return s.commit(func(tx *txn) error {
		next := make(map[string]*datasetState)
		var order []string
		for _, f := range feeds {
			for _, tab := range f.Tabs {
				order = append(order, tab.DatasetID)
				if cur, ok := s.datasets[tab.DatasetID]; ok && cur.filter.Equal(tab.Filter) {
					next[tab.DatasetID] = cur
					continue
				}
				ds := newDatasetState(tab.DatasetID, tab.Filter)
				next[tab.DatasetID] = ds
				tx.emit(DatasetChanged{Dataset: s.snapshot(ds)})
			}
		}
		for id, ds := range s.datasets {
			if next[id] != ds {
				// Invalidates in-flight page requests for the old dataset.
				ds.gen++
			}
		}
		s.datasets = next
		s.order = order
		s.feeds = cloneFeeds(feeds)

		selected := make(map[string]string, len(feeds))
		for _, f := range feeds {
			if cur, ok := s.selected[f.ID]; ok && f.hasDataset(cur) {
				selected[f.ID] = cur
			} else if len(f.Tabs) > 0 {
				selected[f.ID] = f.Tabs[0].DatasetID
			}
		}
		s.selected = selected
		s.gc()
		s.logger.Debug("feeds registered", "feeds", len(feeds), "datasets", len(order))
		return nil
	})
}

// Feeds returns the current feed configuration.
func (s *dataStore) Feeds() []Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFeeds(s.feeds)
}

// SelectTab records datasetID as the selected tab of feedID.
func (s *dataStore) SelectTab(feedID, datasetID string) error {
	return s.commit(func(tx *txn) error {
		i := slices.IndexFunc(s.feeds, func(f Feed) bool { return f.ID == feedID })
		if i < 0 || !s.feeds[i].hasDataset(datasetID) {
			return fmt.Errorf("%w: %s/%s", ErrUnknownDataset, feedID, datasetID)
		}
		if s.selected[feedID] == datasetID {
			return nil
		}
		s.selected[feedID] = datasetID
		tx.emit(TabSelected{FeedID: feedID, DatasetID: datasetID})
		return nil
	})
}

// SelectedTab returns the dataset id of the feed's selected tab.
func (s *dataStore) SelectedTab(feedID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.selected[feedID]
	return id, ok
}
