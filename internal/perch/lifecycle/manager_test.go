package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/perch-run/perch/internal/perch/alarm"
	"github.com/perch-run/perch/internal/perch/billing"
	"github.com/perch-run/perch/internal/perch/configgen"
	"github.com/perch-run/perch/internal/perch/lifecycle"
	"github.com/perch-run/perch/internal/perch/ports"
	"github.com/perch-run/perch/internal/perch/store"
	"github.com/perch-run/perch/internal/perch/supervisor"
	"github.com/perch-run/perch/internal/perch/tiers"
)

var testMasterKey = bytes.Repeat([]byte{0x42}, 32)

type fakeRuntime struct {
	mu sync.Mutex

	createCalls int
	createErr   error
	specs       []supervisor.Spec

	removeErr   error
	removed     []string
	restarted   []string
	started     []string
	stopped     []string
	inspectCnt  int
	inspect     supervisor.State
	inspectErr  error
	readFile    []byte
	readErr     error
	written     map[string][]byte
	writeErr    error
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, spec supervisor.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.specs = append(f.specs, spec)
	return "ctr-" + spec.InstanceID, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (supervisor.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCnt++
	if f.inspectErr != nil {
		return supervisor.State{}, f.inspectErr
	}
	return f.inspect, nil
}

func (f *fakeRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readFile, f.readErr
}

func (f *fakeRuntime) WriteFile(ctx context.Context, id, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.written == nil {
		f.written = make(map[string][]byte)
	}
	f.written[id+":"+path] = data
	return nil
}

func (f *fakeRuntime) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, data := range f.written {
		return data
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alarm.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt alarm.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) kinds() []alarm.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alarm.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type env struct {
	store    *store.Store
	runtime  *fakeRuntime
	notifier *recordingNotifier
	manager  *lifecycle.Manager
}

func newEnv(t *testing.T, rt *fakeRuntime, tier tiers.Tier) *env {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	catalog, err := tiers.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	alloc, err := ports.New(20000, 100, ports.SourceFunc(func(ctx context.Context) ([]int, error) {
		return st.ActivePorts(ctx)
	}))
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	notifier := &recordingNotifier{}
	mgr := lifecycle.New(st, rt, alloc, billing.Static{Tier: tier}, catalog, notifier, lifecycle.Config{
		Image:      "perch/runtime:test",
		PoolAPIKey: "pool-key",
		MasterKey:  testMasterKey,
	})
	return &env{store: st, runtime: rt, notifier: notifier, manager: mgr}
}

func TestCreateProvisionsInstance(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{APIKey: "user-key-ignored"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", inst.Status)
	}
	if !inst.Port.Valid || inst.Port.Int64 != 20000 {
		t.Errorf("port = %+v, want 20000", inst.Port)
	}
	if !inst.ContainerID.Valid {
		t.Error("no container attached after create")
	}

	if len(rt.specs) != 1 {
		t.Fatalf("container creates = %d", len(rt.specs))
	}
	spec := rt.specs[0]
	if spec.HostPort != 20000 || spec.TenantID != "tenant-1" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.MemoryMB == 0 || spec.CPUs == 0 {
		t.Errorf("tier limits not applied: %+v", spec)
	}

	raw, err := base64.StdEncoding.DecodeString(spec.Env["PERCH_CONFIG_B64"])
	if err != nil {
		t.Fatalf("config env not base64: %v", err)
	}
	doc := string(raw)
	if !strings.Contains(doc, `"token"`) {
		t.Errorf("config document missing gateway token: %s", doc)
	}
	if strings.Contains(doc, "user-key-ignored") {
		t.Errorf("free tier document carries tenant key: %s", doc)
	}
	if !strings.Contains(doc, "pool-key") {
		t.Errorf("free tier document missing pooled key: %s", doc)
	}
	if inst.ConfigSnapshot != "" && strings.Contains(inst.ConfigSnapshot, "user-key-ignored") {
		t.Errorf("snapshot leaks tenant key: %s", inst.ConfigSnapshot)
	}
}

func TestCreateIsIdempotentPerTenant(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	first, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second create built a new instance: %s vs %s", second.ID, first.ID)
	}
	if rt.createCalls != 1 {
		t.Errorf("container created %d times", rt.createCalls)
	}
}

func TestCreateConcurrentTenantsGetDistinctPorts(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*store.Instance, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := e.manager.Create(context.Background(), fmt.Sprintf("tenant-%d", i), configgen.Choices{})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			results[i] = inst
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, inst := range results {
		if inst == nil {
			continue
		}
		if seen[inst.Port.Int64] {
			t.Fatalf("port %d allocated twice", inst.Port.Int64)
		}
		seen[inst.Port.Int64] = true
	}
}

func TestCreateFailureParksInstanceInError(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.New("image pull failed")}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	_, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err == nil {
		t.Fatal("expected create failure")
	}

	inst, err := e.store.FindActiveByTenant(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("errored instance row missing: %v", err)
	}
	if inst.Status != store.StatusError {
		t.Errorf("status = %s, want error", inst.Status)
	}

	// The failed instance keeps its port until deleted.
	held, err := e.store.ActivePorts(ctx)
	if err != nil {
		t.Fatalf("ActivePorts: %v", err)
	}
	if len(held) != 1 {
		t.Errorf("errored instance lost its port: %v", held)
	}
}

func TestDeleteAlwaysReachesDeleted(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rt.removeErr = errors.New("docker daemon unreachable")
	if err := e.manager.Delete(ctx, inst.ID); err != nil {
		t.Fatalf("Delete must not fail on container removal: %v", err)
	}

	got, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != store.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}

	var leaked bool
	for _, k := range e.notifier.kinds() {
		if k == alarm.KindContainerLeaked {
			leaked = true
		}
	}
	if !leaked {
		t.Error("leak alarm not raised for failed container removal")
	}

	// The tenant's slot and port are free again.
	if _, err := e.store.FindActiveByTenant(ctx, "tenant-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tenant slot still occupied: %v", err)
	}
}

func TestDeletedIsTerminal(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.manager.Delete(ctx, inst.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := e.manager.Start(ctx, inst.ID); !errors.Is(err, lifecycle.ErrInstanceDeleted) {
		t.Errorf("Start on deleted = %v", err)
	}
	if err := e.manager.UpdateConfig(ctx, inst.ID, configgen.Choices{}); !errors.Is(err, lifecycle.ErrInstanceDeleted) {
		t.Errorf("UpdateConfig on deleted = %v", err)
	}
	// Deleting again is a no-op.
	if err := e.manager.Delete(ctx, inst.ID); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.manager.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := e.store.GetInstance(ctx, inst.ID)
	if got.Status != store.StatusStopped {
		t.Errorf("status after stop = %s", got.Status)
	}

	if err := e.manager.Start(ctx, inst.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ = e.store.GetInstance(ctx, inst.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("status after start = %s", got.Status)
	}
}

func TestStatusWithoutContainerSkipsRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst := &store.Instance{ID: "inst-orphan", TenantID: "tenant-x", Status: store.StatusError}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	st, err := e.manager.Status(ctx, "inst-orphan")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Container != "none" {
		t.Errorf("container = %q, want none", st.Container)
	}
	if rt.inspectCnt != 0 {
		t.Errorf("runtime inspected %d times for a container-less instance", rt.inspectCnt)
	}
}

func TestStatusDegradesWhenRuntimeUnreachable(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rt.inspectErr = errors.New("Cannot connect to the Docker daemon")
	st, err := e.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status must not fail when the runtime is unreachable: %v", err)
	}
	if st.Container != "unreachable" {
		t.Errorf("container = %q, want unreachable", st.Container)
	}
	if st.Status != store.StatusRunning {
		t.Errorf("persisted status = %s, want running", st.Status)
	}
	if st.Runtime.Exists {
		t.Errorf("runtime state fabricated: %+v", st.Runtime)
	}
}

func TestUpdateConfigMergesContainerState(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierPro)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The runtime wrote pairing state into its own document since boot.
	rt.readFile = []byte(`{
		"channels": {"telegram": {"enabled": true, "botToken": "old", "allowFrom": ["alice"]}},
		"onboarding": {"completed": true},
		"gateway": {"auth": {"token": "gw"}}
	}`)
	rt.written = nil
	rt.restarted = nil

	choices := configgen.Choices{
		Model:  "anthropic/claude-sonnet-4",
		APIKey: "sk-ant-new",
		Channels: map[string]configgen.ChannelChoice{
			"telegram": {BotToken: "new-token"},
		},
	}
	if err := e.manager.UpdateConfig(ctx, inst.ID, choices); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	doc := string(rt.lastWrite())
	if !strings.Contains(doc, "new-token") {
		t.Errorf("updated token missing: %s", doc)
	}
	if !strings.Contains(doc, "alice") || !strings.Contains(doc, "onboarding") {
		t.Errorf("container-written state lost in merge: %s", doc)
	}
	if !strings.Contains(doc, "claude-sonnet-4") {
		t.Errorf("new model missing: %s", doc)
	}
	if len(rt.restarted) != 1 {
		t.Errorf("container not restarted after config write: %v", rt.restarted)
	}

	got, _ := e.store.GetInstance(ctx, inst.ID)
	if !strings.Contains(got.ConfigSnapshot, "claude-sonnet-4") {
		t.Errorf("snapshot not advanced: %s", got.ConfigSnapshot)
	}
	if strings.Contains(got.ConfigSnapshot, "sk-ant-new") {
		t.Errorf("snapshot leaks API key: %s", got.ConfigSnapshot)
	}
}

func TestUpdateConfigWriteFailureKeepsSnapshot(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEnv(t, rt, tiers.TierFree)
	ctx := context.Background()

	inst, err := e.manager.Create(ctx, "tenant-1", configgen.Choices{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, _ := e.store.GetInstance(ctx, inst.ID)

	rt.writeErr = errors.New("exec unavailable")
	err = e.manager.UpdateConfig(ctx, inst.ID, configgen.Choices{
		Channels: map[string]configgen.ChannelChoice{"telegram": {BotToken: "t"}},
	})
	var applyErr *lifecycle.ConfigApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected ConfigApplyError, got %v", err)
	}

	after, _ := e.store.GetInstance(ctx, inst.ID)
	if after.ConfigSnapshot != before.ConfigSnapshot {
		t.Error("snapshot advanced despite failed write")
	}
}
