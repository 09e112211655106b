package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/telesyncapp/telesync/internal/upstream"
)

// taskRecord pairs the user-visible task with the detection context needed
// to (re)run the fetch. The fetcher is the upstream client that observed
// the item; it stays usable after the owning session disconnects, which is
// what lets in-flight and retried tasks finish.
type taskRecord struct {
	task      Task
	sourceRef string
	item      upstream.Item
	fetcher   Fetcher
}

// taskStore keeps each user's download log. The outer lock guards user
// entry membership; each entry has its own lock, so detection and mutation
// are serialized per user and never across users. The dedup index enforces
// at most one task per (channelID, sourceItemRef).
type taskStore struct {
	mu    sync.RWMutex
	users map[string]*userTasks
}

type userTasks struct {
	mu    sync.Mutex
	byID  map[string]*taskRecord
	byKey map[string]string
}

func newTaskStore() *taskStore {
	return &taskStore{users: map[string]*userTasks{}}
}

func dedupKey(channelID, sourceItemRef string) string {
	return channelID + "\x00" + sourceItemRef
}

func (s *taskStore) user(userID string, create bool) *userTasks {
	s.mu.RLock()
	entry := s.users[userID]
	s.mu.RUnlock()
	if entry != nil || !create {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry = s.users[userID]; entry == nil {
		entry = &userTasks{byID: map[string]*taskRecord{}, byKey: map[string]string{}}
		s.users[userID] = entry
	}
	return entry
}

// createIfAbsent inserts the record unless its dedup key is taken. The
// check and insert run under the user lock, which is what serializes
// concurrent detections of the same item.
func (s *taskStore) createIfAbsent(record *taskRecord) (Task, bool) {
	entry := s.user(record.task.UserID, true)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	key := dedupKey(record.task.ChannelID, record.task.SourceItemRef)
	if existingID, ok := entry.byKey[key]; ok {
		return entry.byID[existingID].task, false
	}
	entry.byID[record.task.ID] = record
	entry.byKey[key] = record.task.ID
	return record.task, true
}

func (s *taskStore) get(userID, taskID string) (Task, error) {
	entry := s.user(userID, false)
	if entry == nil {
		return Task{}, ErrTaskNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	record, ok := entry.byID[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return record.task, nil
}

// update applies fn to the task under the user lock. fn returning false
// leaves the task untouched and surfaces ErrNotRetriable-style decisions
// to the caller via the returned ok flag.
func (s *taskStore) update(userID, taskID string, fn func(*Task) bool) (Task, bool, error) {
	entry := s.user(userID, false)
	if entry == nil {
		return Task{}, false, ErrTaskNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	record, ok := entry.byID[taskID]
	if !ok {
		return Task{}, false, ErrTaskNotFound
	}
	applied := fn(&record.task)
	return record.task, applied, nil
}

func (s *taskStore) record(userID, taskID string) (taskRecord, error) {
	entry := s.user(userID, false)
	if entry == nil {
		return taskRecord{}, ErrTaskNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	record, ok := entry.byID[taskID]
	if !ok {
		return taskRecord{}, ErrTaskNotFound
	}
	return *record, nil
}

// list returns the user's tasks newest first with the total count before
// slicing by limit/offset.
func (s *taskStore) list(userID string, limit, offset int) ([]Task, int) {
	entry := s.user(userID, false)
	if entry == nil {
		return nil, 0
	}
	entry.mu.Lock()
	all := make([]Task, 0, len(entry.byID))
	for _, record := range entry.byID {
		all = append(all, record.task)
	}
	entry.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total
}

// delete removes the task and frees its dedup key.
func (s *taskStore) delete(userID, taskID string) (Task, error) {
	entry := s.user(userID, false)
	if entry == nil {
		return Task{}, ErrTaskNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	record, ok := entry.byID[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	delete(entry.byID, taskID)
	delete(entry.byKey, dedupKey(record.task.ChannelID, record.task.SourceItemRef))
	return record.task, nil
}

// pruneTerminal drops terminal tasks whose completion (or creation, for
// never-completed failures) predates cutoff. Freed dedup keys make the
// item detectable again; stored artifacts are untouched.
func (s *taskStore) pruneTerminal(cutoff time.Time) int {
	s.mu.RLock()
	entries := make([]*userTasks, 0, len(s.users))
	for _, entry := range s.users {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	pruned := 0
	for _, entry := range entries {
		entry.mu.Lock()
		for id, record := range entry.byID {
			if !record.task.Terminal() {
				continue
			}
			stamp := record.task.CreatedAt
			if record.task.CompletedAt != nil {
				stamp = *record.task.CompletedAt
			}
			if stamp.Before(cutoff) {
				delete(entry.byID, id)
				delete(entry.byKey, dedupKey(record.task.ChannelID, record.task.SourceItemRef))
				pruned++
			}
		}
		entry.mu.Unlock()
	}
	return pruned
}
