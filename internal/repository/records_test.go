package repository

import (
	"strings"
	"testing"
)

// --- Тесты buildListWhere ---

// TestBuildListWhere_VisibilityOnly проверяет, что предфильтр видимости есть всегда.
func TestBuildListWhere_VisibilityOnly(t *testing.T) {
	where, args := buildListWhere(ListParams{IdentityID: "user-a"}, 1)

	want := "WHERE (owner_id = $1 OR ($1 = ANY(shared_with) AND perm_view))"
	if where != want {
		t.Errorf("where = %q, ожидался %q", where, want)
	}
	if len(args) != 1 || args[0] != "user-a" {
		t.Errorf("args = %v, ожидался [user-a]", args)
	}
}

// TestBuildListWhere_Scopes проверяет варианты области видимости.
func TestBuildListWhere_Scopes(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{scope: ScopeOwned, want: "WHERE owner_id = $1"},
		{scope: ScopeShared, want: "WHERE ($1 = ANY(shared_with) AND perm_view)"},
		{scope: ScopeAll, want: "WHERE (owner_id = $1 OR ($1 = ANY(shared_with) AND perm_view))"},
		{scope: "unknown", want: "WHERE (owner_id = $1 OR ($1 = ANY(shared_with) AND perm_view))"},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			where, _ := buildListWhere(ListParams{IdentityID: "u", Scope: tt.scope}, 1)
			if where != tt.want {
				t.Errorf("where = %q, ожидался %q", where, tt.want)
			}
		})
	}
}

// TestBuildListWhere_QueryAfterVisibility проверяет порядок условий:
// текстовый поиск применяется только после предфильтра видимости.
func TestBuildListWhere_QueryAfterVisibility(t *testing.T) {
	q := "дюна"
	where, args := buildListWhere(ListParams{IdentityID: "u", Query: &q}, 1)

	visIdx := strings.Index(where, "owner_id = $1")
	qIdx := strings.Index(where, "title ILIKE $2")
	if visIdx < 0 || qIdx < 0 || visIdx > qIdx {
		t.Errorf("where = %q, ожидался предфильтр видимости перед поиском", where)
	}
	if len(args) != 2 {
		t.Fatalf("args count = %d, ожидался 2", len(args))
	}
	if args[1] != "%дюна%" {
		t.Errorf("args[1] = %v, ожидался '%%дюна%%'", args[1])
	}
}

// TestBuildListWhere_AllFilters проверяет нумерацию параметров при всех фильтрах.
func TestBuildListWhere_AllFilters(t *testing.T) {
	q := "x"
	fav := true
	loaned := false
	where, args := buildListWhere(ListParams{
		IdentityID: "u",
		Query:      &q,
		Favourite:  &fav,
		Loaned:     &loaned,
	}, 1)

	for _, part := range []string{"favourite = $3", "is_loaned = $4"} {
		if !strings.Contains(where, part) {
			t.Errorf("where = %q, ожидалось содержание %q", where, part)
		}
	}
	if len(args) != 4 {
		t.Errorf("args count = %d, ожидался 4", len(args))
	}
}

// TestBuildListWhere_StartArgOffset проверяет смещение нумерации.
func TestBuildListWhere_StartArgOffset(t *testing.T) {
	fav := true
	where, _ := buildListWhere(ListParams{IdentityID: "u", Favourite: &fav}, 5)

	if !strings.Contains(where, "owner_id = $5") || !strings.Contains(where, "favourite = $6") {
		t.Errorf("where = %q, ожидались $5 и $6", where)
	}
}

// --- Тесты buildOrderBy ---

func TestBuildOrderBy(t *testing.T) {
	tests := []struct {
		name      string
		sortBy    string
		sortOrder string
		want      string
	}{
		{name: "по умолчанию", want: "ORDER BY updated_at DESC, key ASC"},
		{name: "title asc", sortBy: "title", sortOrder: "asc", want: "ORDER BY title ASC, key ASC"},
		{name: "year desc", sortBy: "year", sortOrder: "desc", want: "ORDER BY year DESC, key ASC"},
		{name: "key", sortBy: "key", sortOrder: "ASC", want: "ORDER BY key ASC"},
		{name: "недопустимое поле", sortBy: "owner_id; DROP TABLE records", want: "ORDER BY updated_at DESC, key ASC"},
		{name: "недопустимое направление", sortBy: "title", sortOrder: "sideways", want: "ORDER BY title DESC, key ASC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildOrderBy(tt.sortBy, tt.sortOrder); got != tt.want {
				t.Errorf("buildOrderBy(%q, %q) = %q, ожидался %q", tt.sortBy, tt.sortOrder, got, tt.want)
			}
		})
	}
}
