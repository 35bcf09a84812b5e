package models

import "fmt"

// Column declares a named column together with its DDL definition fragment
// (e.g. "text NOT NULL" or "serial PRIMARY KEY"). Generated marks columns the
// database fills in on its own (defaults, sequences); such columns are part of
// the created table but excluded from row-function output and INSERT lists.
type Column struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Generated  bool   `json:"generated,omitempty"`
}

// NewColumn declares a column whose value comes from the row function.
func NewColumn(name, definition string) Column {
	return Column{Name: name, Definition: definition}
}

// GeneratedColumn declares a column supplied by the database itself.
func GeneratedColumn(name, definition string) Column {
	return Column{Name: name, Definition: definition, Generated: true}
}

// DDL renders the column as a quoted name plus its definition fragment.
func (c Column) DDL() string {
	return fmt.Sprintf("%q %s", c.Name, c.Definition)
}

// ColumnNames extracts the names of the given columns, preserving order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// ValueColumnNames extracts the names of the non-generated columns,
// preserving order.
func ValueColumnNames(cols []Column) []string {
	var names []string
	for _, c := range cols {
		if !c.Generated {
			names = append(names, c.Name)
		}
	}
	return names
}
