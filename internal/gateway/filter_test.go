package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_EncodeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		wire   string
	}{
		{"eq string", Eq("conversation_id", "c1"), "eq.c1"},
		{"neq", Neq("sender_id", "u1"), "neq.u1"},
		{"is null", Is("last_read_at", nil), "is.null"},
		{"is false", Is("deleted", false), "is.false"},
		{"in list", In("id", []string{"a", "b"}), "in.(a,b)"},
		{"in quoted", In("name", []string{"x,y", "z"}), `in.("x,y",z)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.filter.Encode())

			parsed, err := ParseFilter(tt.filter.Column, tt.wire)
			require.NoError(t, err)
			assert.Equal(t, tt.filter, parsed)
		})
	}
}

func TestFilter_EncodeTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 500, time.FixedZone("X", 3600))
	assert.Equal(t, "gt.2024-05-01T09:00:00.0000005Z", Gt("created_at", ts).Encode())
}

func TestParseFilter_Rejects(t *testing.T) {
	for _, raw := range []string{"c1", "like.abc", "is.maybe", "in.a,b", `in.("a)`} {
		_, err := ParseFilter("col", raw)
		assert.Error(t, err, raw)
		assert.True(t, IsKind(err, Invalid), raw)
	}
}

func TestParseOrder(t *testing.T) {
	orders, err := ParseOrder("created_at.asc,id.desc,name")
	require.NoError(t, err)
	assert.Equal(t, []Order{Asc("created_at"), Desc("id"), Asc("name")}, orders)
	assert.Equal(t, "created_at.asc,id.desc,name.asc", EncodeOrder(orders))

	_, err = ParseOrder("created_at.sideways")
	assert.Error(t, err)
}

func TestFilter_Match(t *testing.T) {
	row := Row{
		"id":              "m1",
		"conversation_id": "c1",
		"deleted":         false,
		"created_at":      "2024-05-01T10:00:00Z",
		"count":           float64(3),
		"reply_to_id":     nil,
	}

	assert.True(t, Eq("conversation_id", "c1").Match(row))
	assert.False(t, Eq("conversation_id", "c2").Match(row))
	assert.True(t, Neq("conversation_id", "c2").Match(row))
	assert.True(t, Is("deleted", false).Match(row))
	assert.True(t, Is("reply_to_id", nil).Match(row))
	assert.True(t, Is("missing", nil).Match(row))
	assert.True(t, In("id", []string{"m0", "m1"}).Match(row))
	assert.True(t, Gt("count", "2").Match(row))
	assert.False(t, Gt("count", "10").Match(row))
	assert.True(t, Gt("created_at", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)).Match(row))
	assert.True(t, Lte("created_at", "2024-05-01T10:00:00Z").Match(row))
	assert.False(t, Eq("missing", "x").Match(row))
}

func TestChannel_Matches(t *testing.T) {
	f := Eq("conversation_id", "c1")
	ch := Channel{Table: "messages", Events: []ChangeType{ChangeInsert, ChangeUpdate}, Filter: &f}

	assert.True(t, ch.Matches(ChangeEvent{Type: ChangeInsert, Table: "messages", New: Row{"conversation_id": "c1"}}))
	assert.False(t, ch.Matches(ChangeEvent{Type: ChangeInsert, Table: "messages", New: Row{"conversation_id": "c2"}}))
	assert.False(t, ch.Matches(ChangeEvent{Type: ChangeDelete, Table: "messages", Old: Row{"conversation_id": "c1"}}))
	assert.False(t, ch.Matches(ChangeEvent{Type: ChangeInsert, Table: "profiles", New: Row{"conversation_id": "c1"}}))

	all := Channel{Table: "messages"}
	assert.True(t, all.Matches(ChangeEvent{Type: ChangeDelete, Table: "messages"}))
}
