package query

import "errors"

// ErrInvalidQuery means the query string did not match the grammar (spec
// §4.2), or a HEAD probe was issued against a range query.
var ErrInvalidQuery = errors.New("query: invalid query")
