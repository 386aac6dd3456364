package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestStore открывает хранилище во временной директории.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "magpie.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(key, title string) *model.Record {
	return &model.Record{
		Key:         key,
		Details:     model.Details{Title: title, Authors: []string{"Author"}},
		Owner:       "alice",
		SharedWith:  []string{},
		Permissions: model.FullPermissions(),
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "magpie.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpsertRecord(ctx, testRecord("1111111111", "A")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Повторное открытие: миграции уже применены, данные сохранены
	s, err = Open(path, testLogger())
	if err != nil {
		t.Fatalf("повторный Open: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRecord(ctx, "1111111111"); err != nil {
		t.Errorf("запись после переоткрытия: %v", err)
	}
}

func TestRecords_UpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("9780306406157", "Go")
	for range 2 {
		if err := s.UpsertRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.ListRecords(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("записей = %d, ожидалась 1", len(all))
	}

	rec.Title = "Go 2"
	if err := s.UpsertRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRecord(ctx, rec.Key)
	if got.Title != "Go 2" {
		t.Errorf("title = %q, ожидалось перезаписанное значение", got.Title)
	}
}

func TestRecords_UpsertUnchangedKeepsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Queries.now = func() time.Time { return clock }

	updatedAt := func() int64 {
		t.Helper()
		var ms int64
		if err := s.sqlDB.QueryRowContext(ctx, `SELECT updated_at FROM records WHERE key = ?`, "9780306406157").Scan(&ms); err != nil {
			t.Fatal(err)
		}
		return ms
	}

	rec := testRecord("9780306406157", "Go")
	if err := s.UpsertRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	first := updatedAt()

	clock = clock.Add(time.Hour)
	if err := s.UpsertRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if got := updatedAt(); got != first {
		t.Errorf("updated_at изменился без изменения данных: %d -> %d", first, got)
	}

	rec.Title = "Go 2"
	if err := s.UpsertRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if got := updatedAt(); got != clock.UnixMilli() {
		t.Errorf("updated_at = %d, ожидалось %d", got, clock.UnixMilli())
	}
}

func TestRecords_GetDeleteMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord: err = %v, ожидался ErrNotFound", err)
	}
	if err := s.DeleteRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRecord: err = %v, ожидался ErrNotFound", err)
	}
}

func TestRecords_ListFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hobbit := testRecord("1111111111", "The Hobbit")
	hobbit.Authors = []string{"J.R.R. Tolkien"}
	hobbit.Favourite = true
	dune := testRecord("2222222222", "Dune")
	dune.Loan = model.LoanStatus{IsLoaned: true, LoanedTo: "Bob"}
	for _, r := range []*model.Record{hobbit, dune} {
		if err := s.UpsertRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	yes, no := true, false
	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"все, по названию", ListFilter{}, []string{"2222222222", "1111111111"}},
		{"поиск по автору", ListFilter{Query: "tolkien"}, []string{"1111111111"}},
		{"поиск по ключу", ListFilter{Query: "2222"}, []string{"2222222222"}},
		{"избранные", ListFilter{Favourite: &yes}, []string{"1111111111"}},
		{"не выданные", ListFilter{Loaned: &no}, []string{"1111111111"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRecords(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("получено %d записей, ожидалось %d", len(got), len(tt.want))
			}
			for i, key := range tt.want {
				if got[i].Key != key {
					t.Errorf("[%d] = %s, ожидался %s", i, got[i].Key, key)
				}
			}
		})
	}
}

func TestChanges_AppendAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := model.InputFromRecord(testRecord("1111111111", "A"))
	first, err := s.AppendChange(ctx, model.ActionCreate, "1111111111", in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AppendChange(ctx, model.ActionUpdate, "1111111111", in)
	if err != nil {
		t.Fatal(err)
	}
	third, err := s.AppendChange(ctx, model.ActionDelete, "1111111111", nil)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("id должны быть уникальны: %q, %q", first.ID, second.ID)
	}
	if first.Synced || first.Timestamp == 0 {
		t.Errorf("новое изменение: synced = %v, timestamp = %d", first.Synced, first.Timestamp)
	}

	pending, err := s.ListUnsynced(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, ожидалось 3", len(pending))
	}
	for i, want := range []string{first.ID, second.ID, third.ID} {
		if pending[i].ID != want {
			t.Errorf("[%d] = %s, ожидался %s (порядок создания)", i, pending[i].ID, want)
		}
	}
	if pending[2].Payload != nil {
		t.Errorf("delete не должен иметь payload: %s", pending[2].Payload)
	}

	got, err := pending[0].Input()
	if err != nil || got.Title != "A" {
		t.Errorf("Input() = %+v, %v", got, err)
	}
}

func TestChanges_InvalidAction(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AppendChange(context.Background(), "merge", "1111111111", nil); err == nil {
		t.Error("ожидалась ошибка для недопустимого действия")
	}
}

func TestChanges_MarkSyncedIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, err := s.AppendChange(ctx, model.ActionDelete, "1111111111", nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 2 {
		if err := s.MarkSynced(ctx, ch.ID); err != nil {
			t.Fatalf("MarkSynced #%d: %v", i+1, err)
		}
	}

	all, _ := s.ListChanges(ctx)
	if len(all) != 1 || !all[0].Synced {
		t.Fatalf("журнал = %+v, ожидалась одна подтверждённая запись", all)
	}
	if pending, _ := s.ListUnsynced(ctx); len(pending) != 0 {
		t.Errorf("pending = %d, ожидалось 0", len(pending))
	}

	if err := s.MarkSynced(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный id: err = %v, ожидался ErrNotFound", err)
	}
}

func TestChanges_PurgeSyncedOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done, _ := s.AppendChange(ctx, model.ActionDelete, "1111111111", nil)
	pending, _ := s.AppendChange(ctx, model.ActionDelete, "2222222222", nil)
	if err := s.MarkSynced(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeSynced(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("удалено %d, ожидалось 1", n)
	}

	all, _ := s.ListChanges(ctx)
	if len(all) != 1 || all[0].ID != pending.ID {
		t.Errorf("журнал после очистки = %+v, ожидалась только неподтверждённая запись", all)
	}
}

// Схема запрещает любые изменения записи журнала, кроме synced 0 → 1.
func TestChanges_ImmutableAtSchemaLevel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, _ := s.AppendChange(ctx, model.ActionDelete, "1111111111", nil)

	statements := []struct {
		name string
		sql  string
	}{
		{"изменение ключа", `UPDATE changes SET isbn = 'other' WHERE id = ?`},
		{"изменение действия", `UPDATE changes SET action = 'create' WHERE id = ?`},
		{"изменение данных", `UPDATE changes SET data = '{}' WHERE id = ?`},
		{"удаление неподтверждённой", `DELETE FROM changes WHERE id = ?`},
	}
	for _, st := range statements {
		t.Run(st.name, func(t *testing.T) {
			if _, err := s.sqlDB.ExecContext(ctx, st.sql, ch.ID); err == nil {
				t.Error("ожидался отказ триггера")
			}
		})
	}

	if err := s.MarkSynced(ctx, ch.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `UPDATE changes SET synced = 0 WHERE id = ?`, ch.ID); err == nil {
		t.Error("переход synced 1 → 0 должен быть запрещён")
	}
}

func TestWithTx_Rollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.UpsertRecord(ctx, testRecord("1111111111", "A")); err != nil {
			return err
		}
		if _, err := q.AppendChange(ctx, model.ActionCreate, "1111111111", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, ожидался boom", err)
	}

	if _, err := s.GetRecord(ctx, "1111111111"); !errors.Is(err, ErrNotFound) {
		t.Error("запись не должна сохраниться после отката")
	}
	if pending, _ := s.ListUnsynced(ctx); len(pending) != 0 {
		t.Error("изменение не должно сохраниться после отката")
	}
}

func TestMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if v, err := s.GetMeta(ctx, MetaLastSyncAt); err != nil || v != "" {
		t.Errorf("отсутствующий ключ: %q, %v", v, err)
	}
	if ts, err := s.GetTime(ctx, MetaLastSyncAt); err != nil || !ts.IsZero() {
		t.Errorf("отсутствующее время: %v, %v", ts, err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetTime(ctx, MetaLastSyncAt, now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTime(ctx, MetaLastSyncAt)
	if err != nil || !got.Equal(now) {
		t.Errorf("GetTime = %v, %v; ожидалось %v", got, err, now)
	}

	id1, err := s.DeviceID(ctx)
	if err != nil || id1 == "" {
		t.Fatalf("DeviceID: %q, %v", id1, err)
	}
	id2, _ := s.DeviceID(ctx)
	if id1 != id2 {
		t.Errorf("DeviceID нестабилен: %s != %s", id1, id2)
	}
}

func TestChange_WireShape(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, _ := s.AppendChange(ctx, model.ActionUpdate, "1111111111", model.RecordInput{Key: "1111111111", Details: model.Details{Title: "A"}})
	raw, err := json.Marshal(ch)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	_ = json.Unmarshal(raw, &wire)
	for _, field := range []string{"id", "isbn", "action", "data", "timestamp", "synced"} {
		if _, ok := wire[field]; !ok {
			t.Errorf("поле %q отсутствует в %s", field, raw)
		}
	}
}
