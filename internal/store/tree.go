package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// TreeItem is one node in a team's folder tree. Type is "folder" or
// "analysis"; folders carry a name and children, analysis leaves only an ID.
type TreeItem struct {
	Type  string     `json:"type"`
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Items []TreeItem `json:"items,omitempty"`
}

// GetTeamTree returns the folder tree for a team. A team without a stored
// tree gets an empty one.
func (s *Store) GetTeamTree(teamID string) ([]TreeItem, error) {
	row := s.conn.QueryRow(`SELECT tree FROM team_structure WHERE team_id = ?`, teamID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return []TreeItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read team tree: %w", err)
	}
	var tree []TreeItem
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("unmarshal team tree: %w", err)
	}
	return tree, nil
}

// SaveTeamTree replaces a team's folder tree.
func (s *Store) SaveTeamTree(teamID string, tree []TreeItem) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal team tree: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO team_structure (team_id, tree) VALUES (?, ?)
		 ON CONFLICT (team_id) DO UPDATE SET tree = excluded.tree`,
		teamID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("save team tree: %w", err)
	}
	return nil
}

// MoveTreeItem removes itemID from wherever it appears in the team's tree
// and re-inserts it under targetFolderID ("" for the root). The whole
// operation is one read-modify-write inside a transaction so an item can
// never appear twice.
func (s *Store) MoveTreeItem(teamID, itemID, targetFolderID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRow(`SELECT tree FROM team_structure WHERE team_id = ?`, teamID).Scan(&raw)
	if err == sql.ErrNoRows {
		raw = "[]"
	} else if err != nil {
		return fmt.Errorf("read team tree: %w", err)
	}

	var tree []TreeItem
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return fmt.Errorf("unmarshal team tree: %w", err)
	}

	tree, item := removeTreeItem(tree, itemID)
	if item == nil {
		return sql.ErrNoRows
	}

	if targetFolderID == "" {
		tree = append(tree, *item)
	} else {
		var placed bool
		tree, placed = insertIntoFolder(tree, targetFolderID, *item)
		if !placed {
			return sql.ErrNoRows
		}
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal team tree: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO team_structure (team_id, tree) VALUES (?, ?)
		 ON CONFLICT (team_id) DO UPDATE SET tree = excluded.tree`,
		teamID, string(out),
	); err != nil {
		return fmt.Errorf("write team tree: %w", err)
	}

	return tx.Commit()
}

// AddTreeItem appends an item to the root of a team's tree if it is not
// already present anywhere in it.
func (s *Store) AddTreeItem(teamID string, item TreeItem) error {
	tree, err := s.GetTeamTree(teamID)
	if err != nil {
		return err
	}
	if findTreeItem(tree, item.ID) != nil {
		return nil
	}
	return s.SaveTeamTree(teamID, append(tree, item))
}

// RemoveTreeItem deletes an item (and, for folders, its subtree) from a
// team's tree. Unknown items are a no-op.
func (s *Store) RemoveTreeItem(teamID, itemID string) error {
	tree, err := s.GetTeamTree(teamID)
	if err != nil {
		return err
	}
	tree, removed := removeTreeItem(tree, itemID)
	if removed == nil {
		return nil
	}
	return s.SaveTeamTree(teamID, tree)
}

func removeTreeItem(items []TreeItem, id string) ([]TreeItem, *TreeItem) {
	for i, it := range items {
		if it.ID == id {
			removed := it
			return append(items[:i:i], items[i+1:]...), &removed
		}
		if it.Type == "folder" {
			children, removed := removeTreeItem(it.Items, id)
			if removed != nil {
				items[i].Items = children
				return items, removed
			}
		}
	}
	return items, nil
}

func insertIntoFolder(items []TreeItem, folderID string, item TreeItem) ([]TreeItem, bool) {
	for i, it := range items {
		if it.Type == "folder" && it.ID == folderID {
			items[i].Items = append(items[i].Items, item)
			return items, true
		}
		if it.Type == "folder" {
			children, placed := insertIntoFolder(it.Items, folderID, item)
			if placed {
				items[i].Items = children
				return items, true
			}
		}
	}
	return items, false
}

func findTreeItem(items []TreeItem, id string) *TreeItem {
	for i, it := range items {
		if it.ID == id {
			return &items[i]
		}
		if it.Type == "folder" {
			if found := findTreeItem(it.Items, id); found != nil {
				return found
			}
		}
	}
	return nil
}
