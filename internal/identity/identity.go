// Package identity defines the canonical user identifier used everywhere
// ids are stored or compared. Collaborator servers are inconsistent about
// representation (the auth endpoint returns numeric ids, history and live
// events may carry them as strings), so every id is normalized to its
// string form at the boundary and compared only in that form.
package identity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID is the canonical, normalized form of a user or message identifier.
type ID string

// NormalizeID converts a raw identifier of any representation into its
// canonical form. Integral floats collapse to their integer form so that
// 42 and 42.0 compare equal.
func NormalizeID(raw any) ID {
	switch v := raw.(type) {
	case nil:
		return ""
	case ID:
		return v
	case string:
		return ID(strings.TrimSpace(v))
	case int:
		return ID(strconv.Itoa(v))
	case int64:
		return ID(strconv.FormatInt(v, 10))
	case float64:
		if v == float64(int64(v)) {
			return ID(strconv.FormatInt(int64(v), 10))
		}
		return ID(strconv.FormatFloat(v, 'f', -1, 64))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return ID(strconv.FormatInt(n, 10))
		}
		return ID(v.String())
	case fmt.Stringer:
		return ID(strings.TrimSpace(v.String()))
	default:
		return ID(strings.TrimSpace(fmt.Sprint(v)))
	}
}

func (id ID) String() string { return string(id) }

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id == "" }

// Equal is the single equality rule for identifiers.
func (id ID) Equal(other ID) bool { return id == other }

// Int64 converts back to the numeric form used by SQL-backed collaborators.
func (id ID) Int64() (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity: id %q is not numeric: %w", string(id), err)
	}
	return n, nil
}

// UnmarshalJSON accepts the id as a JSON string or a JSON number and
// normalizes either to the canonical form.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*id = NormalizeID(raw)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("identity: id must be a string or number: %w", err)
	}
	*id = NormalizeID(num)
	return nil
}

// MarshalJSON always emits the canonical string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// Identity is a resolved user: a stable server-assigned id paired with the
// human-readable handle it was looked up by.
type Identity struct {
	ID     ID     `json:"id"`
	Handle string `json:"handle"`
}

// IsZero reports whether the identity is unresolved.
func (i Identity) IsZero() bool { return i.ID.IsZero() }

// Equal compares two identities by id only; handles are display data.
func (i Identity) Equal(other Identity) bool { return i.ID.Equal(other.ID) }
