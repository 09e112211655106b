// Package channels keeps each user's monitored channel registry.
package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telesyncapp/telesync/internal/event"
)

// Channel is one monitored upstream source owned by a user. It is scanned
// only while Active and the owning session is connected.
type Channel struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	SourceRef     string    `json:"sourceRef"`
	Active        bool      `json:"active"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	TotalDetected int64     `json:"totalDetected"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Registry is the per-user channel store. The outer lock guards user-entry
// membership only; each user's channels are guarded by that entry's own
// lock, so one user's mutations never contend with another's.
type Registry struct {
	log *slog.Logger
	hub event.Publisher

	mu    sync.RWMutex
	users map[string]*userChannels
}

type userChannels struct {
	mu   sync.Mutex
	byID map[string]*Channel
}

// NewRegistry creates an empty registry. Registry mutations publish
// channels_update events through hub.
func NewRegistry(log *slog.Logger, hub event.Publisher) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With(slog.String("service", "channels")),
		hub:   hub,
		users: map[string]*userChannels{},
	}
}

// Add registers a channel for the user. The source ref must be unique
// within the user's registry; a connected session is not required, the
// channel queues for monitoring once the user connects.
func (r *Registry) Add(userID, sourceRef, displayName string) (Channel, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Channel{}, fmt.Errorf("user id is required")
	}
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return Channel{}, fmt.Errorf("source ref is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = sourceRef
	}

	entry := r.user(userID, true)
	entry.mu.Lock()
	for _, existing := range entry.byID {
		if normalizeRef(existing.SourceRef) == normalizeRef(sourceRef) {
			entry.mu.Unlock()
			return Channel{}, ErrDuplicateChannel
		}
	}
	ch := &Channel{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		SourceRef:   sourceRef,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	entry.byID[ch.ID] = ch
	out := *ch
	entry.mu.Unlock()

	r.log.Info("channel added", slog.String("user_id", userID), slog.String("source_ref", sourceRef))
	r.publishUpdate(userID)
	return out, nil
}

// Toggle sets the channel's active flag.
func (r *Registry) Toggle(userID, channelID string, active bool) (Channel, error) {
	entry := r.user(userID, false)
	if entry == nil {
		return Channel{}, ErrChannelNotFound
	}
	entry.mu.Lock()
	ch, ok := entry.byID[channelID]
	if !ok {
		entry.mu.Unlock()
		return Channel{}, ErrChannelNotFound
	}
	ch.Active = active
	out := *ch
	entry.mu.Unlock()

	r.publishUpdate(userID)
	return out, nil
}

// Remove deletes the channel from the user's registry.
func (r *Registry) Remove(userID, channelID string) error {
	entry := r.user(userID, false)
	if entry == nil {
		return ErrChannelNotFound
	}
	entry.mu.Lock()
	if _, ok := entry.byID[channelID]; !ok {
		entry.mu.Unlock()
		return ErrChannelNotFound
	}
	delete(entry.byID, channelID)
	entry.mu.Unlock()

	r.publishUpdate(userID)
	return nil
}

// List returns the user's channels in creation order.
func (r *Registry) List(userID string) []Channel {
	return r.list(userID, false)
}

// ListActive returns the user's channels with Active set, in creation
// order. This is the monitor's scan set.
func (r *Registry) ListActive(userID string) []Channel {
	return r.list(userID, true)
}

// Get returns one channel by id.
func (r *Registry) Get(userID, channelID string) (Channel, error) {
	entry := r.user(userID, false)
	if entry == nil {
		return Channel{}, ErrChannelNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	ch, ok := entry.byID[channelID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return *ch, nil
}

// MarkChecked records a completed scan: bumps LastCheckedAt and adds the
// number of newly detected items to the channel counter. A positive count
// also publishes a channels_update so clients refresh their lists.
func (r *Registry) MarkChecked(userID, channelID string, detected int) error {
	entry := r.user(userID, false)
	if entry == nil {
		return ErrChannelNotFound
	}
	entry.mu.Lock()
	ch, ok := entry.byID[channelID]
	if !ok {
		entry.mu.Unlock()
		return ErrChannelNotFound
	}
	ch.LastCheckedAt = time.Now().UTC()
	if detected > 0 {
		ch.TotalDetected += int64(detected)
	}
	entry.mu.Unlock()

	if detected > 0 {
		r.publishUpdate(userID)
	}
	return nil
}

func (r *Registry) list(userID string, activeOnly bool) []Channel {
	entry := r.user(userID, false)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	out := make([]Channel, 0, len(entry.byID))
	for _, ch := range entry.byID {
		if activeOnly && !ch.Active {
			continue
		}
		out = append(out, *ch)
	}
	entry.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) user(userID string, create bool) *userChannels {
	r.mu.RLock()
	entry := r.users[userID]
	r.mu.RUnlock()
	if entry != nil || !create {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry = r.users[userID]; entry == nil {
		entry = &userChannels{byID: map[string]*Channel{}}
		r.users[userID] = entry
	}
	return entry
}

func (r *Registry) publishUpdate(userID string) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(userID, event.ChannelsUpdate(userID))
}

func normalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
