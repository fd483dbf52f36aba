package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	row := Row{"id": "m1", "chat_id": "c1", "size": int64(42), "name": "Alice Smith"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq", Filter{Column: "chat_id", Op: OpEq, Value: "c1"}, true},
		{"eq other", Filter{Column: "chat_id", Op: OpEq, Value: "c2"}, false},
		{"eq across int kinds", Filter{Column: "size", Op: OpEq, Value: 42}, true},
		{"eq string vs number", Filter{Column: "size", Op: OpEq, Value: "42"}, false},
		{"eq missing column", Filter{Column: "missing", Op: OpEq, Value: "x"}, false},
		{"neq", Filter{Column: "chat_id", Op: OpNeq, Value: "c2"}, true},
		{"neq missing column", Filter{Column: "missing", Op: OpNeq, Value: "x"}, true},
		{"ilike contains", Filter{Column: "name", Op: OpILike, Value: "%smith%"}, true},
		{"ilike single char", Filter{Column: "name", Op: OpILike, Value: "alic_ %"}, true},
		{"ilike anchored", Filter{Column: "name", Op: OpILike, Value: "smith%"}, false},
		{"ilike quotes regexp", Filter{Column: "name", Op: OpILike, Value: "Alice.Smith"}, false},
		{"ilike non string", Filter{Column: "size", Op: OpILike, Value: "%4%"}, false},
		{"in", Filter{Column: "chat_id", Op: OpIn, Value: []string{"c0", "c1"}}, true},
		{"in miss", Filter{Column: "chat_id", Op: OpIn, Value: []string{"c0"}}, false},
		{"in empty", Filter{Column: "chat_id", Op: OpIn, Value: []string{}}, false},
		{"in scalar", Filter{Column: "chat_id", Op: OpIn, Value: "c1"}, true},
		{"unknown op", Filter{Column: "chat_id", Op: "gt", Value: "c0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.filter.Match(row))
		})
	}
}

func TestQueryBuilderDoesNotShareFilters(t *testing.T) {
	base := From("messages").Eq("chat_id", "c1")
	a := base.Eq("sender_id", "u1")
	b := base.Eq("sender_id", "u2").Order("created_at", true).Limit(5)

	require.Len(t, base.Filters, 1)
	require.Equal(t, "u1", a.Filters[1].Value)
	require.Equal(t, "u2", b.Filters[1].Value)
	require.Equal(t, "created_at", b.OrderBy)
	require.True(t, b.Ascending)
	require.Equal(t, 5, b.Max)
	require.Zero(t, a.Max)
	require.Equal(t, "messages?chat_id=eq.c1&sender_id=eq.u2", b.String())
}

func TestQueryValidate(t *testing.T) {
	require.NoError(t, From("messages").Eq("id", "m1").Validate())
	require.ErrorIs(t, Query{}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, From("messages").Eq("", "x").Validate(), ErrInvalidQuery)
	require.ErrorIs(t, From("messages").Limit(-1).Validate(), ErrInvalidQuery)

	q := From("messages")
	q.Filters = append(q.Filters, Filter{Column: "id", Op: "like", Value: "x"})
	require.ErrorIs(t, q.Validate(), ErrInvalidQuery)
}

func TestQueryMatch(t *testing.T) {
	q := From("profiles").Neq("id", "u1").ILike("username", "%ali%")
	require.True(t, q.Match(Row{"id": "u2", "username": "Alice"}))
	require.False(t, q.Match(Row{"id": "u1", "username": "Alice"}))
	require.False(t, q.Match(Row{"id": "u2", "username": "Bob"}))
	require.True(t, From("profiles").Match(Row{}))
}

func TestCompare(t *testing.T) {
	now := time.Now()
	require.Equal(t, -1, Compare(1, 2.5))
	require.Equal(t, 0, Compare(int64(3), uint8(3)))
	require.Equal(t, 1, Compare("b", "a"))
	require.Equal(t, -1, Compare(now, now.Add(time.Second)))
	require.Equal(t, -1, Compare(false, true))
	require.Equal(t, 0, Compare(nil, nil))
	require.Equal(t, -1, Compare(nil, "a"))
	require.Equal(t, 1, Compare("a", nil))
	// Mixed kinds still give a stable order.
	require.Equal(t, -Compare("a", true), Compare(true, "a"))
}
