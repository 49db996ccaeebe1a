package checkpoint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/redis/go-redis/v9"
)

type memBackup struct {
	page    int
	records map[string][]types.Record
	pages   map[string]int
	saveErr error
}

func newMemBackup() *memBackup {
	return &memBackup{records: map[string][]types.Record{}, pages: map[string]int{}}
}

func (b *memBackup) Save(ownerID string, page int, records []types.Record) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.records[ownerID] = records
	b.pages[ownerID] = page
	return nil
}

func (b *memBackup) Load(ownerID string) (int, []types.Record, bool, error) {
	r, ok := b.records[ownerID]
	return b.pages[ownerID], r, ok, nil
}

func (b *memBackup) Remove(ownerID string) error {
	delete(b.records, ownerID)
	delete(b.pages, ownerID)
	return nil
}

func sampleCheckpoint(n int) Checkpoint {
	records := make([]types.Record, n)
	for i := range records {
		records[i] = types.NewRecord([]string{"name", "score"}, []string{strings.Repeat("x", 40), "1"})
	}
	return Checkpoint{
		OwnerID:            "TAB1",
		IsMultiPage:        true,
		StartPage:          1,
		CurrentPage:        2,
		EndPage:            5,
		Columns:            []string{"name", "score"},
		AccumulatedRecords: records,
		Timestamp:          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		BaseURL:            "https://example.com/list",
	}
}

func TestFileStore_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	if _, ok, err := s.Get(ctx, "TAB1"); err != nil || ok {
		t.Fatalf("Get() on empty store = ok:%v err:%v; want ok:false err:nil", ok, err)
	}

	cp := sampleCheckpoint(3)
	if err := s.Set(ctx, cp); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "TAB1")
	if err != nil || !ok {
		t.Fatalf("Get() = ok:%v err:%v; want stored checkpoint", ok, err)
	}
	if got.CurrentPage != 2 || got.BaseURL != cp.BaseURL || len(got.AccumulatedRecords) != 3 {
		t.Fatalf("Get() = %+v; want %+v", got, cp)
	}
	if v, _ := got.AccumulatedRecords[0].Get("score"); v != "1" {
		t.Fatalf("record score = %q; want %q", v, "1")
	}

	if err := s.Delete(ctx, "TAB1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "TAB1"); err != nil {
		t.Fatalf("second Delete() error = %v; want nil", err)
	}
	if _, ok, _ := s.Get(ctx, "TAB1"); ok {
		t.Fatalf("Get() after Delete() found checkpoint")
	}
}

func TestFileStore_RejectsInvalidOwner(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	cp := sampleCheckpoint(0)
	cp.OwnerID = "../escape"
	if err := s.Set(context.Background(), cp); err == nil {
		t.Fatalf("Set() with path owner = nil; want error")
	}
}

func TestFileStore_QuotaExceeded(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 512)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	err = s.Set(context.Background(), sampleCheckpoint(50))
	if !types.HasCode(err, types.CodeQuotaExceeded) {
		t.Fatalf("Set() = %v; want %s", err, types.CodeQuotaExceeded)
	}
}

func TestPersist_DegradesToMinimalAndRestores(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	backup := newMemBackup()

	cp := sampleCheckpoint(40)
	if err := Persist(ctx, s, backup, cp); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	got, ok, err := s.Get(ctx, cp.OwnerID)
	if err != nil || !ok {
		t.Fatalf("Get() = ok:%v err:%v", ok, err)
	}
	if !got.IsMinimal {
		t.Fatalf("stored checkpoint IsMinimal = false; want true")
	}
	if len(got.AccumulatedRecords) != 0 {
		t.Fatalf("minimal checkpoint has %d records; want 0", len(got.AccumulatedRecords))
	}
	if got.CurrentPage != cp.CurrentPage || got.EndPage != cp.EndPage {
		t.Fatalf("minimal checkpoint lost progress: %+v", got)
	}

	records, err := Restore(got, backup)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(records) != 40 {
		t.Fatalf("Restore() = %d records; want 40", len(records))
	}
}

func TestPersist_BackupFailureSurfaces(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 256)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	backup := newMemBackup()
	backup.saveErr = errors.New("disk full")

	if err := Persist(context.Background(), s, backup, sampleCheckpoint(20)); err == nil {
		t.Fatalf("Persist() = nil; want error")
	}
}

func TestRestore_BackupAtOtherPageRejected(t *testing.T) {
	backup := newMemBackup()
	_ = backup.Save("TAB1", 1, []types.Record{types.NewRecord([]string{"a"}, []string{"1"})})

	cp := sampleCheckpoint(0).Minimal()
	_, err := Restore(cp, backup)
	if !types.HasCode(err, types.CodeCheckpointMissing) {
		t.Fatalf("Restore() = %v; want %s", err, types.CodeCheckpointMissing)
	}
}

func TestCheckpoint_Age(t *testing.T) {
	cp := sampleCheckpoint(0)
	now := cp.Timestamp.Add(4 * time.Minute)
	if got := cp.Age(now); got != 4*time.Minute {
		t.Fatalf("Age() = %v; want %v", got, 4*time.Minute)
	}
}

type fakeRedis struct {
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	s := newRedisStoreWithClient(fake, "pagetrawl:checkpoint:", time.Hour, 0)

	if _, ok, err := s.Get(ctx, "TAB1"); err != nil || ok {
		t.Fatalf("Get() missing = ok:%v err:%v; want ok:false err:nil", ok, err)
	}
	if err := s.Set(ctx, sampleCheckpoint(2)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if fake.ttls["pagetrawl:checkpoint:TAB1"] != time.Hour {
		t.Fatalf("ttl = %v; want %v", fake.ttls["pagetrawl:checkpoint:TAB1"], time.Hour)
	}
	got, ok, err := s.Get(ctx, "TAB1")
	if err != nil || !ok || len(got.AccumulatedRecords) != 2 {
		t.Fatalf("Get() = %+v ok:%v err:%v", got, ok, err)
	}
	if err := s.Delete(ctx, "TAB1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "TAB1"); ok {
		t.Fatalf("Get() after Delete() found checkpoint")
	}
}

func TestRedisStore_QuotaAndErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	s := newRedisStoreWithClient(fake, "cp:", 0, 256)

	if err := s.Set(ctx, sampleCheckpoint(20)); !types.HasCode(err, types.CodeQuotaExceeded) {
		t.Fatalf("Set() = %v; want %s", err, types.CodeQuotaExceeded)
	}
	if len(fake.data) != 0 {
		t.Fatalf("over-quota Set() wrote %d keys; want 0", len(fake.data))
	}

	fake.err = errors.New("connection refused")
	if _, _, err := s.Get(ctx, "TAB1"); err == nil {
		t.Fatalf("Get() with failing client = nil; want error")
	}
}
