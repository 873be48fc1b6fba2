package relation

import (
	"database/sql"

	"github.com/keyfill/keyfill/internal/heading"
)

// KeyCursor lazily enumerates a relation's primary-key values.
type KeyCursor struct {
	rows  *sql.Rows
	names []string
	err   error
	key   heading.Key
}

// Next advances to the next key. It returns false at the end of the
// enumeration or on error; check Err afterwards.
func (c *KeyCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	vals := make([]interface{}, len(c.names))
	ptrs := make([]interface{}, len(c.names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		c.err = err
		return false
	}
	key := make(heading.Key, len(c.names))
	for i, name := range c.names {
		v := vals[i]
		// normalize driver byte slices so key values compare by value
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		key[name] = v
	}
	c.key = key
	return true
}

// Key returns the key at the current cursor position.
func (c *KeyCursor) Key() heading.Key {
	return c.key
}

// Err returns the first error encountered while iterating.
func (c *KeyCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the cursor.
func (c *KeyCursor) Close() error {
	return c.rows.Close()
}
