package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateContact(ctx context.Context, c Contact) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO contacts(user_id, name, channel, identifier)
		VALUES($1,$2,$3,$4) RETURNING id`,
		c.UserID, c.Name, c.Channel, c.Identifier).Scan(&id)
	return id, err
}

func (s *Store) CreateGroup(ctx context.Context, userID, name string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO contact_groups(user_id, name) VALUES($1,$2) RETURNING id`,
		userID, name).Scan(&id)
	return id, err
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, contactID string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contact_group_members(group_id, contact_id) VALUES($1,$2)
		ON CONFLICT DO NOTHING`, groupID, contactID)
	return err
}

// ContactIdentifier returns the stored identifier for one contact.
func (s *Store) ContactIdentifier(ctx context.Context, contactID string) (string, error) {
	var ident string
	err := s.DB.QueryRow(ctx,
		`SELECT identifier FROM contacts WHERE id=$1`, contactID).Scan(&ident)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	return ident, err
}

// GroupMemberIdentifiers expands a group to its members' identifiers in a
// stable order (membership age, then contact age) so resolution is
// deterministic across calls.
func (s *Store) GroupMemberIdentifiers(ctx context.Context, groupID string) ([]string, error) {
	var exists bool
	if err := s.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contact_groups WHERE id=$1)`, groupID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}

	rows, err := s.DB.Query(ctx, `
		SELECT c.identifier
		FROM contact_group_members m
		JOIN contacts c ON c.id = m.contact_id
		WHERE m.group_id=$1
		ORDER BY m.added_at, c.created_at, c.id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ident string
		if err := rows.Scan(&ident); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}
