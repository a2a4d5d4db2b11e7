package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/storage"
	"github.com/Iron-Ham/concord/internal/testutil"
)

func newTestRegistry(t *testing.T) (*Registry, *filelock.Manager, *testutil.Clock) {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock()
	locks := filelock.NewManager(store, t.TempDir(), filelock.WithClock(clock.Now))
	return New(store, locks, WithClock(clock.Now)), locks, clock
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID(time.Date(2025, 3, 1, 9, 30, 15, 0, time.FixedZone("X", 3600)))
	if !regexp.MustCompile(`^inst-20250301T083015-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("NewInstanceID() = %q, want inst-<utc timestamp>-<8 hex>", id)
	}
	if other := NewInstanceID(time.Now()); other == id {
		t.Error("ids must be unique")
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newTestRegistry(t)

	inst, err := reg.Register(ctx, RegisterOptions{
		Role:         "backend",
		Task:         "adding routes",
		Branch:       "feature/routes",
		WorktreePath: "/tmp/wt",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if inst.InstanceID == "" || inst.PID == 0 || inst.Hostname == "" {
		t.Errorf("incomplete record: %+v", inst)
	}
	if !inst.LastHeartbeat.Equal(clock.Now()) || !inst.RegisteredAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v / %v, want %v", inst.RegisteredAt, inst.LastHeartbeat, clock.Now())
	}

	got, ok, err := reg.Get(ctx, inst.InstanceID)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Role != "backend" || got.TaskDescription != "adding routes" || got.Branch != "feature/routes" {
		t.Errorf("stored record = %+v", got)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newTestRegistry(t)

	inst, _ := reg.Register(ctx, RegisterOptions{Role: "agent"})
	clock.Advance(2 * time.Minute)

	res, err := reg.Heartbeat(ctx, inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if res != Renewed {
		t.Errorf("Heartbeat() = %q, want renewed", res)
	}
	got, _, _ := reg.Get(ctx, inst.InstanceID)
	if !got.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, clock.Now())
	}
	if !got.RegisteredAt.Equal(inst.RegisteredAt) {
		t.Error("heartbeat must not change registered_at")
	}
}

func TestHeartbeat_MissingIsNotAnError(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	res, err := reg.Heartbeat(context.Background(), "inst-20250301T120000-deadbeef")
	if err != nil {
		t.Fatalf("Heartbeat() error = %v, want nil", err)
	}
	if res != Missing {
		t.Errorf("Heartbeat() = %q, want missing", res)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	inst, _ := reg.Register(ctx, RegisterOptions{Role: "agent", Task: "first"})
	if res, err := reg.Update(ctx, inst.InstanceID, "", "second"); err != nil || res != Renewed {
		t.Fatalf("Update() = %q, %v", res, err)
	}
	got, _, _ := reg.Get(ctx, inst.InstanceID)
	if got.Role != "agent" || got.TaskDescription != "second" {
		t.Errorf("after update = %+v", got)
	}
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	tests := []struct {
		id   string
		want error
	}{
		{id: "", want: errors.ErrNoInstance},
		{id: "../locks/a", want: errors.ErrInvalidInput},
		{id: ".hidden", want: errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		if _, err := reg.Heartbeat(ctx, tt.id); !errors.Is(err, tt.want) {
			t.Errorf("Heartbeat(%q) error = %v, want %v", tt.id, err, tt.want)
		}
	}
}

func TestListLive(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newTestRegistry(t)

	old, _ := reg.Register(ctx, RegisterOptions{Role: "old"})
	clock.Advance(6 * time.Minute)
	fresh, _ := reg.Register(ctx, RegisterOptions{Role: "fresh"})
	clock.Advance(5 * time.Minute)

	live, err := reg.ListLive(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].InstanceID != fresh.InstanceID {
		t.Errorf("ListLive() = %+v, want only %s", live, fresh.InstanceID)
	}

	all, _ := reg.ListAll(ctx)
	if len(all) != 2 {
		t.Fatalf("ListAll() returned %d records; ListLive must not remove stale ones", len(all))
	}
	if all[0].InstanceID != old.InstanceID {
		t.Errorf("ListAll()[0] = %s, want oldest first", all[0].InstanceID)
	}

	_, stale, _ := reg.Partition(ctx, 10*time.Minute)
	if len(stale) != 1 || stale[0].InstanceID != old.InstanceID {
		t.Errorf("stale = %+v, want %s", stale, old.InstanceID)
	}
}

func TestUnregister_CascadesLocks(t *testing.T) {
	ctx := context.Background()
	reg, locks, _ := newTestRegistry(t)

	inst, _ := reg.Register(ctx, RegisterOptions{Role: "agent"})
	other, _ := reg.Register(ctx, RegisterOptions{Role: "agent"})
	locks.Acquire(ctx, inst.InstanceID, "l1.go", "")  //nolint:errcheck
	locks.Acquire(ctx, inst.InstanceID, "l2.go", "")  //nolint:errcheck
	locks.Acquire(ctx, other.InstanceID, "l3.go", "") //nolint:errcheck

	res, err := reg.Unregister(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !res.Removed || len(res.ReleasedLocks) != 2 {
		t.Errorf("Unregister() = %+v, want removed with two released locks", res)
	}

	for _, key := range []string{"l1.go", "l2.go"} {
		if _, ok, _ := locks.Get(ctx, key); ok {
			t.Errorf("%s still locked after unregister", key)
		}
	}
	if _, ok, _ := locks.Get(ctx, "l3.go"); !ok {
		t.Error("another instance's lock must survive")
	}
	live, _ := reg.ListLive(ctx, DefaultStalenessWindow)
	for _, l := range live {
		if l.InstanceID == inst.InstanceID {
			t.Error("unregistered instance still listed live")
		}
	}
}

func TestUnregister_AbsentIsSuccess(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	inst, _ := reg.Register(ctx, RegisterOptions{})
	if _, err := reg.Unregister(ctx, inst.InstanceID); err != nil {
		t.Fatal(err)
	}
	res, err := reg.Unregister(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("second Unregister() error = %v", err)
	}
	if res.Removed {
		t.Error("second Unregister() reported a removal")
	}
}

func TestUnregister_WithoutLockReleaser(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewStore(t), nil)

	inst, _ := reg.Register(ctx, RegisterOptions{})
	res, err := reg.Unregister(ctx, inst.InstanceID)
	if err != nil || !res.Removed {
		t.Errorf("Unregister() = %+v, %v", res, err)
	}
}

func TestCorruptInstanceRecord(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	reg := New(store, nil)

	if err := store.Put(ctx, recordKey("inst-torn"), []byte(`{"instance_id":`)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ListAll(ctx); !errors.IsIntegrity(err) {
		t.Errorf("ListAll() over corrupt record = %v, want integrity error", err)
	}
	if _, err := reg.Heartbeat(ctx, "inst-torn"); !errors.Is(err, errors.ErrCorruptRecord) {
		t.Errorf("Heartbeat() over corrupt record = %v, want ErrCorruptRecord", err)
	}
}

func TestRegistry_SharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storeA, _ := storage.NewFileStore(dir)
	storeB, _ := storage.NewFileStore(dir)

	a := New(storeA, nil)
	b := New(storeB, nil)

	inst, _ := a.Register(ctx, RegisterOptions{Role: "writer"})
	got, ok, err := b.Get(ctx, inst.InstanceID)
	if err != nil || !ok || got.Role != "writer" {
		t.Errorf("second handle sees %+v, %v, %v", got, ok, err)
	}
}
