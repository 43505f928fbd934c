package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTemplates = []byte("templates")

// Storage persists named templates in a BoltDB bucket, keyed by name.
// It shares the job database so the two stay in one file.
type Storage struct {
	db *bolt.DB
}

// NewStorage initializes template storage in db.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTemplates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create templates bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save validates and stores a template, overwriting any previous version
// under the same name.
func (s *Storage) Save(tpl *Template) error {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if strings.TrimSpace(tpl.Subject) == "" {
		return fmt.Errorf("template subject is required")
	}
	if tpl.Text == "" && tpl.HTML == "" {
		return fmt.Errorf("template needs a text or html body")
	}
	// Parse eagerly so a broken template is rejected at save time, not at
	// dispatch time.
	if _, err := render(tpl.Subject, tpl.Text, tpl.HTML, sampleVars(tpl)); err != nil {
		return err
	}

	now := time.Now()
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	tpl.Variables = ExtractVariables(tpl.Subject, tpl.Text, tpl.HTML)

	return s.db.Update(func(tx *bolt.Tx) error {
		existing := tx.Bucket(bucketTemplates).Get([]byte(tpl.Name))
		if existing != nil {
			var prev Template
			if err := json.Unmarshal(existing, &prev); err == nil {
				tpl.CreatedAt = prev.CreatedAt
			}
		}
		data, err := json.Marshal(tpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template %s: %w", tpl.Name, err)
		}
		return tx.Bucket(bucketTemplates).Put([]byte(tpl.Name), data)
	})
}

// Get retrieves a template by name. Returns nil, nil when not found.
func (s *Storage) Get(name string) (*Template, error) {
	var tpl *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(name))
		if data == nil {
			return nil
		}
		tpl = &Template{}
		return json.Unmarshal(data, tpl)
	})
	return tpl, err
}

// List returns templates matching the filter, in name order.
func (s *Storage) List(filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()

		count := 0
		skipped := 0
		search := strings.ToLower(filter.Search)

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if search != "" && !strings.Contains(strings.ToLower(string(k)), search) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			var tpl Template
			if err := json.Unmarshal(v, &tpl); err != nil {
				continue
			}
			templates = append(templates, &tpl)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return templates, err
}

// Delete removes a template by name. Returns false if it did not exist.
func (s *Storage) Delete(name string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b.Get([]byte(name)) == nil {
			return nil
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// sampleVars builds a dummy mapping covering every referenced variable so
// save-time rendering exercises the full template.
func sampleVars(tpl *Template) map[string]string {
	vars := make(map[string]string)
	for _, v := range ExtractVariables(tpl.Subject, tpl.Text, tpl.HTML) {
		vars[v] = "sample"
	}
	return vars
}
