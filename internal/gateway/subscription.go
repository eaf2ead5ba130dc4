package gateway

import (
	"sync"

	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/snowflake"
)

// SubscriptionOptions carries delivery options for a presence
// subscription.
type SubscriptionOptions struct {
	// Activities includes activity data in delivered presence events.
	Activities bool
}

// SubscriptionTable tracks a connection's live event subscriptions,
// split into the general friends table and the member-list table, exactly
// as the subjects were acquired. For a given subject at most one
// subscription exists across both tables; re-subscribing is a no-op.
// Release cancels everything exactly once - a leaked subscription would
// keep delivering the subject's presence events to a dead connection.
type SubscriptionTable struct {
	mu         sync.Mutex
	friends    map[snowflake.ID]*eventbus.Subscription
	memberList map[snowflake.ID]*eventbus.Subscription
	released   bool
}

// NewSubscriptionTable creates an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		friends:    make(map[snowflake.ID]*eventbus.Subscription),
		memberList: make(map[snowflake.ID]*eventbus.Subscription),
	}
}

// Subscribed reports whether a live subscription exists for the subject in
// either table.
func (t *SubscriptionTable) Subscribed(subject snowflake.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, inFriends := t.friends[subject]
	_, inList := t.memberList[subject]
	return inFriends || inList
}

// SubscribeFriend binds fn to the subject in the friends table. Returns
// false without subscribing when the subject is already covered or the
// table is released.
func (t *SubscriptionTable) SubscribeFriend(bus *eventbus.Bus, subject snowflake.ID, fn eventbus.Handler) (bool, error) {
	return t.subscribe(bus, subject, fn, true)
}

// SubscribeMember binds fn to the subject in the member-list table.
// Idempotent against both tables: a subject already subscribed as a friend
// is not subscribed again.
func (t *SubscriptionTable) SubscribeMember(bus *eventbus.Bus, subject snowflake.ID, fn eventbus.Handler) (bool, error) {
	return t.subscribe(bus, subject, fn, false)
}

func (t *SubscriptionTable) subscribe(bus *eventbus.Bus, subject snowflake.ID, fn eventbus.Handler, friend bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return false, nil
	}
	if _, ok := t.friends[subject]; ok {
		return false, nil
	}
	if _, ok := t.memberList[subject]; ok {
		return false, nil
	}

	sub, err := bus.Listen(subject, fn)
	if err != nil {
		return false, err
	}
	if friend {
		t.friends[subject] = sub
	} else {
		t.memberList[subject] = sub
	}
	return true, nil
}

// Unsubscribe cancels the subject's subscription if one exists.
func (t *SubscriptionTable) Unsubscribe(subject snowflake.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.friends[subject]; ok {
		sub.Cancel()
		delete(t.friends, subject)
	}
	if sub, ok := t.memberList[subject]; ok {
		sub.Cancel()
		delete(t.memberList, subject)
	}
}

// Count returns the number of live subscriptions across both tables.
func (t *SubscriptionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.friends) + len(t.memberList)
}

// Release cancels every subscription and rejects future subscribes.
// Idempotent.
func (t *SubscriptionTable) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}
	t.released = true

	for subject, sub := range t.friends {
		sub.Cancel()
		delete(t.friends, subject)
	}
	for subject, sub := range t.memberList {
		sub.Cancel()
		delete(t.memberList, subject)
	}
}
