package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = []string{"id", "is_active", "name", "age", "table_name"}

func TestParseFilter_MatchSemantics(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		values map[string]any
		want   bool
	}{
		{"equality", `name == "alice"`, map[string]any{"name": "alice"}, true},
		{"equality miss", `name == "alice"`, map[string]any{"name": "bob"}, false},
		{"single equals alias", `name = "alice"`, map[string]any{"name": "alice"}, true},
		{"inequality", `age != 30`, map[string]any{"age": int64(31)}, true},
		{"greater", `age > 30`, map[string]any{"age": int64(31)}, true},
		{"greater or equal", `age >= 31`, map[string]any{"age": int64(31)}, true},
		{"less", `age < 30`, map[string]any{"age": int64(31)}, false},
		{"and", `name == "alice" and age > 20`, map[string]any{"name": "alice", "age": int64(25)}, true},
		{"and short", `name == "alice" && age > 40`, map[string]any{"name": "alice", "age": int64(25)}, false},
		{"or", `age < 10 or name == "alice"`, map[string]any{"name": "alice", "age": int64(25)}, true},
		{"parens", `(age < 10 or age > 20) and is_active == true`,
			map[string]any{"age": int64(25), "is_active": true}, true},
		{"contains", `table_name contains "udit"`, map[string]any{"table_name": "audits"}, true},
		{"startswith", `table_name startswith "aud"`, map[string]any{"table_name": "audits"}, true},
		{"startswith miss", `table_name startswith "udi"`, map[string]any{"table_name": "audits"}, false},
		{"single quotes", `name == 'alice'`, map[string]any{"name": "alice"}, true},
		{"case insensitive keywords", `name == "a" OR name == "b"`, map[string]any{"name": "b"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.expr, testColumns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.values))
		})
	}
}

func TestParseFilter_RejectsMalformedInput(t *testing.T) {
	exprs := []string{
		`nosuchcolumn == 1`,
		`name ==`,
		`name == "unterminated`,
		`name ~ "x"`,
		`(name == "a"`,
		`name == "a" garbage`,
		`and and and`,
		`age contains 5`,
	}
	for _, expr := range exprs {
		_, err := ParseFilter(expr, testColumns)
		require.Error(t, err, expr)
		assert.ErrorIs(t, err, ErrInvalidFilter, expr)
	}
}

func TestParseFilter_EmptyExpressionMatchesEverything(t *testing.T) {
	f, err := ParseFilter("   ", testColumns)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Match(map[string]any{"name": "anything"}))
}

func TestParseFilter_CompilesToSql(t *testing.T) {
	f, err := ParseFilter(`name == "alice" and age > 30`, testColumns)
	require.NoError(t, err)

	sqlStr, args, err := f.ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "name = ?")
	assert.Contains(t, sqlStr, "age > ?")
	assert.Equal(t, []any{"alice", int64(30)}, args)
}

func TestParseOrderBy(t *testing.T) {
	keys, err := ParseOrderBy("id desc, name asc, age", testColumns)
	require.NoError(t, err)
	assert.Equal(t, []SortKey{
		{Column: "id", Desc: true},
		{Column: "name"},
		{Column: "age"},
	}, keys)

	_, err = ParseOrderBy("nosuchcolumn desc", testColumns)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = ParseOrderBy("id sideways", testColumns)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestIDIn(t *testing.T) {
	f := IDIn([]int64{1, 3})
	assert.True(t, f.Match(map[string]any{"id": int64(3)}))
	assert.False(t, f.Match(map[string]any{"id": int64(2)}))

	empty := IDIn(nil)
	assert.False(t, empty.Match(map[string]any{"id": int64(1)}))
}

func TestAndCombinesFilters(t *testing.T) {
	a, err := ParseFilter(`age > 10`, testColumns)
	require.NoError(t, err)
	b, err := ParseFilter(`name == "alice"`, testColumns)
	require.NoError(t, err)

	combined := And(a, b)
	assert.True(t, combined.Match(map[string]any{"age": int64(20), "name": "alice"}))
	assert.False(t, combined.Match(map[string]any{"age": int64(20), "name": "bob"}))

	assert.Same(t, a, And(a, nil))
	assert.Same(t, b, And(nil, b))
}
