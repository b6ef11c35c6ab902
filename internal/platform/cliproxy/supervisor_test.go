package cliproxy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return &Supervisor{
		log:        log,
		basePort:   19000,
		portWindow: 8,
		procs:      map[string]*process{},
		usedPorts:  map[int]string{},
		stopReaper: make(chan struct{}),
	}
}

func TestAllocatePortDeterministic(t *testing.T) {
	s := newTestSupervisor(t)
	p1, err := s.allocatePortLocked("user-1")
	if err != nil {
		t.Fatalf("allocatePortLocked: %v", err)
	}
	p2, err := s.allocatePortLocked("user-1")
	if err != nil {
		t.Fatalf("allocatePortLocked: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("allocation not deterministic: %d vs %d", p1, p2)
	}
	if p1 < s.basePort || p1 >= s.basePort+s.portWindow {
		t.Fatalf("port %d outside window [%d, %d)", p1, s.basePort, s.basePort+s.portWindow)
	}
}

func TestAllocatePortProbesOnCollision(t *testing.T) {
	s := newTestSupervisor(t)
	first, err := s.allocatePortLocked("user-1")
	if err != nil {
		t.Fatalf("allocatePortLocked: %v", err)
	}
	s.usedPorts[first] = "user-1"

	second, err := s.allocatePortLocked("user-1")
	if err != nil {
		t.Fatalf("allocatePortLocked after collision: %v", err)
	}
	if second == first {
		t.Fatalf("probe returned taken port %d", first)
	}
}

func TestAllocatePortWindowExhausted(t *testing.T) {
	s := newTestSupervisor(t)
	for i := 0; i < s.portWindow; i++ {
		s.usedPorts[s.basePort+i] = "x"
	}
	if _, err := s.allocatePortLocked("user-1"); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestWriteInstanceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := writeInstanceConfig(path, instanceConfig{
		Host:         "127.0.0.1",
		Port:         19003,
		AuthDir:      "/tmp/auth",
		APIKeys:      []string{"abc"},
		RequestRetry: 3,
	})
	if err != nil {
		t.Fatalf("writeInstanceConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode: want=0600 got=%o", info.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got instanceConfig
	if err := yaml.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Port != 19003 || got.Host != "127.0.0.1" {
		t.Fatalf("roundtrip: got %+v", got)
	}
	if len(got.APIKeys) != 1 || got.APIKeys[0] != "abc" {
		t.Fatalf("api keys: got %+v", got.APIKeys)
	}
}

func TestEnsureProcessConcurrentCallersShareOneChild(t *testing.T) {
	s := newTestSupervisor(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "fakechild.sh")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	s.binPath = bin
	s.instancesDir = filepath.Join(dir, "instances")
	s.readyDeadline = 50 * time.Millisecond
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	var wg sync.WaitGroup
	insts := make([]Instance, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			insts[i], errs[i] = s.EnsureProcess(context.Background(), "user-race")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureProcess call %d: %v", i, err)
		}
	}
	if insts[0].Port != insts[1].Port || insts[0].APIKey != insts[1].APIKey {
		t.Fatalf("callers got different children: %+v vs %+v", insts[0], insts[1])
	}

	s.mu.Lock()
	procCount := len(s.procs)
	portCount := len(s.usedPorts)
	s.mu.Unlock()
	if procCount != 1 {
		t.Fatalf("registered children: want=1 got=%d", procCount)
	}
	if portCount != 1 {
		t.Fatalf("reserved ports: want=1 got=%d", portCount)
	}
}

func TestInstanceMissingUser(t *testing.T) {
	s := newTestSupervisor(t)
	if _, ok := s.Instance("ghost"); ok {
		t.Fatalf("expected no instance for unknown user")
	}
}
