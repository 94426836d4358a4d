package protocol

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Statement is the SQL payload the Primary Coordinator sends participants
// after PREPARE. It describes a single INSERT (the only operation this
// protocol's transaction ever performs — one write, into one table, driven
// by operator-supplied column values) in a form every participant's
// resource manager can turn into a parameterized statement against its own
// schema.
type Statement struct {
	Table  string         `json:"table"`
	Values map[string]any `json:"values"`
}

// Encode renders the statement as the JSON frame payload sent over the wire.
func (s Statement) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeStatement parses a Statement out of a frame payload.
func DecodeStatement(payload []byte) (Statement, error) {
	var s Statement
	if err := json.Unmarshal(payload, &s); err != nil {
		return Statement{}, err
	}
	if err := s.Validate(); err != nil {
		return Statement{}, err
	}
	return s, nil
}

// Validate rejects a statement with no table or no values, mirroring the
// resource manager's own refusal to build a statement it cannot execute.
func (s Statement) Validate() error {
	if strings.TrimSpace(s.Table) == "" {
		return errors.New("protocol: statement table is required")
	}
	if len(s.Values) == 0 {
		return errors.New("protocol: statement values are required")
	}
	return nil
}

// SortedColumns returns the value column names in deterministic order, so
// that building "INSERT INTO t (a,b) VALUES ($1,$2)" never depends on Go's
// randomized map iteration order.
func (s Statement) SortedColumns() []string {
	cols := make([]string, 0, len(s.Values))
	for c := range s.Values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// SafeIdent validates id as a safe, unquoted SQL identifier (table or column
// name) and normalizes it to lower case. It rejects anything but
// alphanumerics, underscore, and hyphen, which is enough for the identifiers
// this protocol ever generates (operator-entered employee/table names) while
// refusing to build a statement around something that could break out of an
// identifier position.
func SafeIdent(id string) (string, error) {
	if id == "" {
		return "", errors.New("protocol: identifier is empty")
	}

	for _, r := range id {
		switch {
		case r == '_' || r == '-':
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return "", errors.New("protocol: identifier contains invalid characters")
		}
	}

	return strings.ToLower(id), nil
}

// Placeholder renders the idx-th ($1-based) positional parameter for a
// Postgres statement.
func Placeholder(idx int) string {
	return "$" + strconv.Itoa(idx)
}
