package camera

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, *MockBackend) {
	t.Helper()
	generic := NewMockBackend(BackendGeneric, 2*time.Millisecond)
	uvc := NewMockBackend(BackendUVC, 2*time.Millisecond)

	eye0 := testDescriptor("eye0")
	eye0.Backend = BackendUVC
	eye0.Role = RoleInfrared

	registry, err := NewRegistry(
		[]Descriptor{testDescriptor("world"), eye0},
		NewBackends(generic, uvc),
		SessionOptions{},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return registry, generic
}

func TestRegistry_List(t *testing.T) {
	registry, _ := newTestRegistry(t)

	infos := registry.List()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(infos))
	}
	if infos[0].Descriptor.ID != "world" || infos[1].Descriptor.ID != "eye0" {
		t.Errorf("Expected registration order [world eye0], got [%s %s]", infos[0].Descriptor.ID, infos[1].Descriptor.ID)
	}
	for _, info := range infos {
		if info.State != StateIdle {
			t.Errorf("Expected %s idle, got %s", info.Descriptor.ID, info.State)
		}
	}
}

func TestRegistry_RejectsInvalidDescriptors(t *testing.T) {
	backends := NewBackends(NewMockBackend(BackendGeneric, 0))

	tests := []struct {
		name  string
		descs []Descriptor
	}{
		{"empty id", []Descriptor{{Backend: BackendGeneric}}},
		{"duplicate id", []Descriptor{testDescriptor("world"), testDescriptor("world")}},
		{"unknown backend", []Descriptor{{ID: "eye0", Backend: BackendUVC}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.descs, backends, SessionOptions{}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestRegistry_StartStopAndRunningIDs(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)
	defer registry.Close(ctx)

	if _, err := registry.Start(ctx, "eye0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ids := registry.RunningIDs()
	if len(ids) != 1 || ids[0] != "eye0" {
		t.Errorf("Expected running [eye0], got %v", ids)
	}

	if _, err := registry.Stop(ctx, "eye0"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(registry.RunningIDs()) != 0 {
		t.Errorf("Expected no running cameras, got %v", registry.RunningIDs())
	}
}

func TestRegistry_UnknownCamera(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	if _, err := registry.Start(ctx, "eye9"); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("Expected ErrCameraNotFound, got %v", err)
	}
	if _, err := registry.Subscribe(ctx, "eye9"); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("Expected ErrCameraNotFound, got %v", err)
	}
}

func TestRegistry_Close(t *testing.T) {
	ctx := context.Background()
	registry, generic := newTestRegistry(t)

	if _, err := registry.Start(ctx, "world"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := registry.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if generic.Active("world") != 0 {
		t.Errorf("Expected world handle closed, active=%d", generic.Active("world"))
	}
	if _, err := registry.Start(ctx, "world"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Expected ErrRegistryClosed, got %v", err)
	}
}

func TestBackends_ResolveListsRegisteredKinds(t *testing.T) {
	backends := NewBackends(NewMockBackend(BackendUVC, 0), NewMockBackend(BackendGeneric, 0))

	if got := backends.Kinds(); len(got) != 2 || got[0] != BackendGeneric || got[1] != BackendUVC {
		t.Errorf("Expected sorted kinds [generic uvc], got %v", got)
	}

	_, err := backends.Resolve(Descriptor{ID: "eye0", Backend: "realsense"})
	if err == nil {
		t.Fatal("Expected error for unregistered backend")
	}
	for _, want := range []string{"realsense", "eye0", "generic", "uvc"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}
