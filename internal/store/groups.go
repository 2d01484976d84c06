package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Groups answers membership questions. Creating groups and managing members
// happens elsewhere.
type Groups struct {
	db *sql.DB
}

func NewGroups(db *sql.DB) *Groups {
	return &Groups{db: db}
}

func (s *Groups) Exists(ctx context.Context, groupID int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM groups WHERE id = ?)", groupID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query group: %w", err)
	}
	return exists, nil
}

func (s *Groups) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?)",
		groupID, userID,
	).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("failed to query group membership: %w", err)
	}
	return member, nil
}

func (s *Groups) MemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id", groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
