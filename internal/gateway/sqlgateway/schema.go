package sqlgateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type columnKind int

const (
	kindText columnKind = iota
	kindBool
	kindTime
)

// table describes one exposed table and its row security.
type table struct {
	name    string
	columns map[string]columnKind
	keys    []string
	newRows func() any
	model   func() any

	insertable map[string]bool
	updatable  map[string]bool
	deletable  bool

	// memberColumn holds the conversation id a caller must belong to in
	// order to read the row. Empty means the table is public.
	memberColumn string
	// ownerColumn holds the user id allowed to modify the row.
	ownerColumn string
}

func textCols(names ...string) map[string]columnKind {
	m := make(map[string]columnKind, len(names))
	for _, n := range names {
		m[n] = kindText
	}
	return m
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func with(m map[string]columnKind, kind columnKind, names ...string) map[string]columnKind {
	for _, n := range names {
		m[n] = kind
	}
	return m
}

var tables = map[string]*table{
	chatstore.TableProfiles: {
		name:        chatstore.TableProfiles,
		columns:     with(textCols("id", "username", "display_name", "avatar_url"), kindTime, "created_at", "updated_at"),
		keys:        []string{"id"},
		newRows:     func() any { return &[]models.Profile{} },
		model:       func() any { return &models.Profile{} },
		updatable:   set("username", "display_name", "avatar_url"),
		ownerColumn: "id",
	},
	chatstore.TableConversations: {
		name:         chatstore.TableConversations,
		columns:      with(textCols("id", "kind", "name", "created_by"), kindTime, "created_at", "updated_at"),
		keys:         []string{"id"},
		newRows:      func() any { return &[]models.Conversation{} },
		model:        func() any { return &models.Conversation{} },
		memberColumn: "id",
	},
	chatstore.TableParticipants: {
		name:         chatstore.TableParticipants,
		columns:      with(textCols("conversation_id", "user_id"), kindTime, "joined_at", "last_read_at"),
		keys:         []string{"conversation_id", "user_id"},
		newRows:      func() any { return &[]models.ConversationParticipant{} },
		model:        func() any { return &models.ConversationParticipant{} },
		updatable:    set("last_read_at"),
		deletable:    true,
		memberColumn: "conversation_id",
		ownerColumn:  "user_id",
	},
	chatstore.TableMessages: {
		name: chatstore.TableMessages,
		columns: with(with(textCols("id", "conversation_id", "sender_id", "body", "reply_to_id"),
			kindBool, "edited", "deleted"), kindTime, "created_at", "updated_at"),
		keys:         []string{"id"},
		newRows:      func() any { return &[]models.Message{} },
		model:        func() any { return &models.Message{} },
		insertable:   set("id", "conversation_id", "sender_id", "body", "reply_to_id"),
		updatable:    set("body", "edited", "deleted"),
		deletable:    true,
		memberColumn: "conversation_id",
		ownerColumn:  "sender_id",
	},
}

func lookupTable(name string) (*table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, gateway.NewError(gateway.NotFound, "42P01", fmt.Sprintf("relation %q does not exist", name))
	}
	return t, nil
}

func (t *table) column(name string) (columnKind, error) {
	k, ok := t.columns[name]
	if !ok {
		return 0, invalid("42703", fmt.Sprintf("column %s.%s does not exist", t.name, name))
	}
	return k, nil
}

func (t *table) qualified(col string) string {
	return t.name + "." + col
}

// visible restricts db to rows userID may read.
func (t *table) visible(db *gorm.DB, userID string) *gorm.DB {
	if t.memberColumn == "" {
		return db
	}
	member := db.Session(&gorm.Session{NewDB: true}).
		Table(chatstore.TableParticipants).
		Select("conversation_id").
		Where("user_id = ?", userID)
	return db.Where(t.qualified(t.memberColumn)+" IN (?)", member)
}

func (t *table) owns(row gateway.Row, userID string) bool {
	if t.ownerColumn == "" {
		return false
	}
	owner, _ := row[t.ownerColumn].(string)
	return owner == userID
}

// conversationOf returns the conversation a row belongs to, or "" for public rows.
func (t *table) conversationOf(row gateway.Row) string {
	if t.memberColumn == "" {
		return ""
	}
	id, _ := row[t.memberColumn].(string)
	return id
}

func (t *table) applyFilters(db *gorm.DB, filters []gateway.Filter) (*gorm.DB, error) {
	for _, f := range filters {
		kind, err := t.column(f.Column)
		if err != nil {
			return nil, err
		}
		col := t.qualified(f.Column)
		switch f.Op {
		case gateway.OpEq, gateway.OpNeq, gateway.OpGt, gateway.OpGte, gateway.OpLt, gateway.OpLte:
			v, err := coerce(kind, f.Value)
			if err != nil {
				return nil, err
			}
			db = db.Where(col+" "+sqlOperator[f.Op]+" ?", v)
		case gateway.OpIs:
			if f.Value == nil {
				db = db.Where(col + " IS NULL")
			} else {
				db = db.Where(col+" = ?", f.Value)
			}
		case gateway.OpIn:
			values, err := coerceList(kind, f.Value)
			if err != nil {
				return nil, err
			}
			if len(values) == 0 {
				db = db.Where("1 = 0")
			} else {
				db = db.Where(col+" IN ?", values)
			}
		default:
			return nil, invalid("PGRST100", fmt.Sprintf("unknown operator %q", f.Op))
		}
	}
	return db, nil
}

var sqlOperator = map[gateway.Op]string{
	gateway.OpEq:  "=",
	gateway.OpNeq: "<>",
	gateway.OpGt:  ">",
	gateway.OpGte: ">=",
	gateway.OpLt:  "<",
	gateway.OpLte: "<=",
}

func (t *table) applyOrder(db *gorm.DB, orders []gateway.Order) (*gorm.DB, error) {
	for _, o := range orders {
		if _, err := t.column(o.Column); err != nil {
			return nil, err
		}
		db = db.Order(clause.OrderByColumn{
			Column: clause.Column{Table: t.name, Name: o.Column},
			Desc:   !o.Ascending,
		})
	}
	return db, nil
}

// coerce converts a filter or patch operand to the column's Go type.
func coerce(kind columnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, invalid("22P02", fmt.Sprintf("invalid input syntax for type boolean: %q", b))
			}
			return parsed, nil
		}
	case kindTime:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, invalid("22007", fmt.Sprintf("invalid input syntax for type timestamp: %q", ts))
			}
			return parsed.UTC(), nil
		}
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return gateway.FormatValue(v), nil
	}
	return nil, invalid("22P02", fmt.Sprintf("unsupported operand %T", v))
}

func coerceList(kind columnKind, v any) ([]any, error) {
	var raw []any
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			raw = append(raw, s)
		}
	case []any:
		raw = list
	default:
		return nil, invalid("PGRST100", "in. filter needs a list operand")
	}
	out := make([]any, len(raw))
	for i, item := range raw {
		c, err := coerce(kind, item)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// toRows converts typed model rows into untyped gateway rows through their
// JSON form, so every transport sees the same value shapes.
func toRows(typed any, columns []string) ([]gateway.Row, error) {
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	var rows []gateway.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if len(columns) == 0 {
		return rows, nil
	}
	for i, row := range rows {
		projected := make(gateway.Row, len(columns))
		for _, c := range columns {
			if c == "*" {
				projected = row
				break
			}
			projected[c] = row[c]
		}
		rows[i] = projected
	}
	return rows, nil
}

func (t *table) checkColumns(columns []string) error {
	for _, c := range columns {
		if c == "*" {
			continue
		}
		if _, err := t.column(c); err != nil {
			return err
		}
	}
	return nil
}

// patchValues validates and coerces an update patch.
func (t *table) patchValues(patch gateway.Row) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, invalid("PGRST102", "empty patch")
	}
	values := make(map[string]any, len(patch)+1)
	for col, v := range patch {
		kind, err := t.column(col)
		if err != nil {
			return nil, err
		}
		if !t.updatable[col] {
			return nil, forbidden(fmt.Sprintf("column %s.%s is not updatable", t.name, col))
		}
		c, err := coerce(kind, v)
		if err != nil {
			return nil, err
		}
		values[col] = c
	}
	if _, ok := t.columns["updated_at"]; ok {
		values["updated_at"] = time.Now().UTC()
	}
	return values, nil
}

func (t *table) keyFilters(row gateway.Row) []gateway.Filter {
	filters := make([]gateway.Filter, len(t.keys))
	for i, k := range t.keys {
		filters[i] = gateway.Eq(k, row[k])
	}
	return filters
}
