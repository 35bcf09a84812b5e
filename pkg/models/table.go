package models

import "fmt"

// TableRef identifies a database table by name, optionally qualified by a
// schema. It is an immutable value: whether the table actually exists is a
// property of the database, queried fresh on every check.
type TableRef struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

// NewTable builds an unqualified table reference.
func NewTable(name string) TableRef {
	return TableRef{Name: name}
}

// NewSchemaTable builds a schema-qualified table reference.
func NewSchemaTable(schema, name string) TableRef {
	return TableRef{Schema: schema, Name: name}
}

// Quoted renders the reference as a double-quoted SQL identifier,
// e.g. "public"."sources".
func (t TableRef) Quoted() string {
	if t.Schema != "" {
		return fmt.Sprintf("%q.%q", t.Schema, t.Name)
	}
	return fmt.Sprintf("%q", t.Name)
}

// String renders the reference unquoted, for log and error messages.
func (t TableRef) String() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// Zero reports whether the reference has not been assigned a name yet.
func (t TableRef) Zero() bool {
	return t.Name == ""
}
