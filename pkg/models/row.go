package models

// Row is a mapping from column name to value, used uniformly as input to and
// output from row functions. Values are never type-checked by the engine;
// database coercion is the ground truth. Where column order matters (INSERT
// lists, UPDATE sets) an explicit []string of column names travels alongside.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Values extracts the row's values in the order of the given column names.
// Missing columns yield nil.
func (r Row) Values(cols []string) []interface{} {
	vals := make([]interface{}, len(cols))
	for i, c := range cols {
		vals[i] = r[c]
	}
	return vals
}
