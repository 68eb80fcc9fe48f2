// Package settings keeps the small configuration blobs of the wallet: the
// address book and the API endpoint configurations. Each blob is one value
// in the settings bucket holding a versioned list of typed items. Fields
// this version does not know are carried in each item's Extra map.
package settings

import (
	"encoding/json"
	"sort"
)

// Item is an element of a settings blob.
type Item interface {
	// Key identifies the item within its blob.
	Key() string
}

// Contact is an address book entry.
type Contact struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Notes   string `json:"notes,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var contactFields = []string{"id", "name", "address", "notes"}

// Key returns the id, or the address for entries written without one.
func (c Contact) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Address
}

// MarshalJSON implements json.Marshaler.
func (c Contact) MarshalJSON() ([]byte, error) {
	type plain Contact
	return withExtra(plain(c), c.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Contact) UnmarshalJSON(data []byte) error {
	type plain Contact
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, contactFields)
	if err != nil {
		return err
	}
	*c = Contact(p)
	c.Extra = extra
	return nil
}

// APIConfig is a configured API endpoint.
type APIConfig struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Network  string `json:"network,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var apiConfigFields = []string{"id", "name", "endpoint", "network", "apiKey"}

// Key returns the id, or the name for entries written without one.
func (a APIConfig) Key() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

// MarshalJSON implements json.Marshaler.
func (a APIConfig) MarshalJSON() ([]byte, error) {
	type plain APIConfig
	return withExtra(plain(a), a.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *APIConfig) UnmarshalJSON(data []byte) error {
	type plain APIConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, apiConfigFields)
	if err != nil {
		return err
	}
	*a = APIConfig(p)
	a.Extra = extra
	return nil
}

// extraFields returns the members of the JSON object data not named in
// known, or nil when there are none.
func extraFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// withExtra encodes v and adds the extra members that v does not set
// itself.
func withExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := all[k]; !ok {
			all[k] = extra[k]
		}
	}
	return json.Marshal(all)
}
