package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// ReactorSet is the set of users who reacted with one emoji.
type ReactorSet map[int64]struct{}

// IDs returns the members in ascending order.
func (s ReactorSet) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s ReactorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *ReactorSet) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	set := make(ReactorSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	*s = set
	return nil
}

// Reactions maps an emoji to the users who reacted with it. An emoji with no
// reactors is never present.
type Reactions map[string]ReactorSet

// Add records userID under emoji. It reports whether the set changed.
func (r Reactions) Add(emoji string, userID int64) bool {
	set, ok := r[emoji]
	if !ok {
		set = ReactorSet{}
		r[emoji] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// Remove drops userID from emoji, deleting the emoji once it is empty.
// It reports whether the set changed.
func (r Reactions) Remove(emoji string, userID int64) bool {
	set, ok := r[emoji]
	if !ok {
		return false
	}
	if _, exists := set[userID]; !exists {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r, emoji)
	}
	return true
}

// Value stores reactions as a JSON object.
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r *Reactions) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = Reactions{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported reactions column type %T", src)
	}

	parsed := Reactions{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("failed to decode reactions: %w", err)
		}
	}
	for emoji, set := range parsed {
		if len(set) == 0 {
			delete(parsed, emoji)
		}
	}
	*r = parsed
	return nil
}
