package session

import "github.com/bobs4462/wsgateway/internal/wsproto"

// SubscriptionsMap is a bidirectional map between the internal routing key
// (SubKey) and the session-assigned subscription identifier (SubID). It
// guarantees a one-way mapping never exists without its reverse, so a lookup
// from either direction is always consistent with the other.
type SubscriptionsMap struct {
	key2id map[wsproto.SubKey]wsproto.SubID
	id2key map[wsproto.SubID]wsproto.SubKey
}

// NewSubscriptionsMap builds an empty map.
func NewSubscriptionsMap() *SubscriptionsMap {
	return &SubscriptionsMap{
		key2id: make(map[wsproto.SubKey]wsproto.SubID),
		id2key: make(map[wsproto.SubID]wsproto.SubKey),
	}
}

// Insert creates a bidirectional entry between key and id.
func (s *SubscriptionsMap) Insert(key wsproto.SubKey, id wsproto.SubID) {
	s.key2id[key] = id
	s.id2key[id] = key
}

// RemoveByKey removes an entry by its SubKey, along with the reverse entry.
// Reports the removed SubID and whether an entry existed.
func (s *SubscriptionsMap) RemoveByKey(key wsproto.SubKey) (wsproto.SubID, bool) {
	id, ok := s.key2id[key]
	if !ok {
		return 0, false
	}
	delete(s.key2id, key)
	delete(s.id2key, id)
	return id, true
}

// RemoveByID removes an entry by its SubID, along with the reverse entry.
func (s *SubscriptionsMap) RemoveByID(id wsproto.SubID) (wsproto.SubKey, bool) {
	key, ok := s.id2key[id]
	if !ok {
		return wsproto.SubKey{}, false
	}
	delete(s.id2key, id)
	delete(s.key2id, key)
	return key, true
}

// GetByKey retrieves the SubID registered for key, if any.
func (s *SubscriptionsMap) GetByKey(key wsproto.SubKey) (wsproto.SubID, bool) {
	id, ok := s.key2id[key]
	return id, ok
}

// GetByID retrieves the SubKey registered for id, if any.
func (s *SubscriptionsMap) GetByID(id wsproto.SubID) (wsproto.SubKey, bool) {
	key, ok := s.id2key[id]
	return key, ok
}

// Drain empties the map and returns every SubKey it held, for teardown.
func (s *SubscriptionsMap) Drain() map[wsproto.SubKey]wsproto.SubID {
	out := s.key2id
	s.key2id = make(map[wsproto.SubKey]wsproto.SubID)
	s.id2key = make(map[wsproto.SubID]wsproto.SubKey)
	return out
}

// Len reports the number of live entries.
func (s *SubscriptionsMap) Len() int {
	return len(s.key2id)
}
