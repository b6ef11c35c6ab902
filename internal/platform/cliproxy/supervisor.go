// Package cliproxy supervises the per-user cli2api child processes that
// front OAuth-based providers. One child per user, spawned on demand on a
// deterministic local port, reaped when idle.
package cliproxy

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

const (
	defaultBasePort   = 18300
	defaultPortWindow = 200

	readinessDeadline = 30 * time.Second
	readinessInterval = 500 * time.Millisecond

	reapInterval = 5 * time.Minute
	idleTTL      = 30 * time.Minute
	killGrace    = 3 * time.Second
)

// Instance is one running child, as seen by callers.
type Instance struct {
	UserID string
	Port   int
	APIKey string
	Ready  bool
}

type process struct {
	cmd          *exec.Cmd
	port         int
	apiKey       string
	lastActivity time.Time
	ready        bool
	done         chan struct{}

	// starting marks an entry whose spawn is still in flight; started is
	// closed once the spawn settled, success or not. alive() is meaningless
	// until then, so concurrent EnsureProcess callers wait on started
	// instead of racing a second child onto another port.
	starting bool
	started  chan struct{}
}

// Supervisor owns the user → child registry and the port window. A single
// mutex guards both; allocation and registration happen under it so two
// concurrent EnsureProcess calls cannot race the same port.
type Supervisor struct {
	log *logger.Logger

	binPath       string
	instancesDir  string
	basePort      int
	portWindow    int
	mgmtSecret    string
	readyDeadline time.Duration

	mu        sync.Mutex
	procs     map[string]*process
	usedPorts map[int]string

	stopReaper chan struct{}
	reaperOnce sync.Once
}

func NewSupervisor(log *logger.Logger) *Supervisor {
	s := &Supervisor{
		log:           log.With("service", "CliProxySupervisor"),
		binPath:       envutil.String("CLI2API_BINARY_PATH", "cli2api"),
		instancesDir:  envutil.String("CLI2API_INSTANCES_DIR", filepath.Join("data", "cli2api-instances")),
		basePort:      envutil.Int("CLI2API_BASE_PORT", defaultBasePort),
		portWindow:    envutil.Int("CLI2API_MAX_PORTS", defaultPortWindow),
		mgmtSecret:    envutil.String("CLI2API_MANAGEMENT_KEY", ""),
		readyDeadline: readinessDeadline,
		procs:         map[string]*process{},
		usedPorts:     map[int]string{},
		stopReaper:    make(chan struct{}),
	}
	return s
}

// StartReaper launches the idle reaper loop. Safe to call once at boot.
func (s *Supervisor) StartReaper() {
	s.reaperOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(reapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopReaper:
					return
				case <-ticker.C:
					s.reapIdle()
				}
			}
		}()
	})
}

// EnsureProcess returns the user's live instance, spawning one when absent.
// A hit bumps lastActivity.
func (s *Supervisor) EnsureProcess(ctx context.Context, userID string) (Instance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Instance{}, fmt.Errorf("user id is required")
	}

	var p *process
	for {
		s.mu.Lock()
		if cur, ok := s.procs[userID]; ok {
			if cur.starting {
				started := cur.started
				s.mu.Unlock()
				select {
				case <-started:
				case <-ctx.Done():
					return Instance{}, ctx.Err()
				}
				continue
			}
			if cur.alive() {
				cur.lastActivity = time.Now()
				inst := Instance{UserID: userID, Port: cur.port, APIKey: cur.apiKey, Ready: cur.ready}
				s.mu.Unlock()
				return inst, nil
			}
		}
		port, err := s.allocatePortLocked(userID)
		if err != nil {
			s.mu.Unlock()
			return Instance{}, err
		}
		p = &process{
			port:         port,
			apiKey:       uuid.NewString(),
			lastActivity: time.Now(),
			done:         make(chan struct{}),
			starting:     true,
			started:      make(chan struct{}),
		}
		s.procs[userID] = p
		s.usedPorts[port] = userID
		s.mu.Unlock()
		break
	}

	spawnErr := s.spawn(ctx, userID, p)
	s.mu.Lock()
	p.starting = false
	if spawnErr != nil {
		if cur, ok := s.procs[userID]; ok && cur == p {
			delete(s.procs, userID)
			delete(s.usedPorts, p.port)
		}
	}
	s.mu.Unlock()
	close(p.started)
	if spawnErr != nil {
		return Instance{}, spawnErr
	}
	return Instance{UserID: userID, Port: p.port, APIKey: p.apiKey, Ready: p.ready}, nil
}

// Instance returns the registered entry without spawning.
func (s *Supervisor) Instance(userID string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[userID]
	if !ok || p.starting || !p.alive() {
		return Instance{}, false
	}
	return Instance{UserID: userID, Port: p.port, APIKey: p.apiKey, Ready: p.ready}, true
}

// Stop terminates one user's child and releases its port.
func (s *Supervisor) Stop(userID string) {
	s.mu.Lock()
	p, ok := s.procs[userID]
	if ok {
		delete(s.procs, userID)
		delete(s.usedPorts, p.port)
	}
	s.mu.Unlock()
	if ok {
		s.terminate(userID, p)
	}
}

// Shutdown stops the reaper and every child.
func (s *Supervisor) Shutdown(ctx context.Context) {
	close(s.stopReaper)
	s.mu.Lock()
	procs := s.procs
	s.procs = map[string]*process{}
	s.usedPorts = map[int]string{}
	s.mu.Unlock()
	for userID, p := range procs {
		s.terminate(userID, p)
	}
}

// allocatePortLocked probes the window starting at the user's hash slot.
func (s *Supervisor) allocatePortLocked(userID string) (int, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	start := int(h.Sum32()) % s.portWindow
	if start < 0 {
		start += s.portWindow
	}
	for i := 0; i < s.portWindow; i++ {
		port := s.basePort + (start+i)%s.portWindow
		if _, taken := s.usedPorts[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in window %d..%d", s.basePort, s.basePort+s.portWindow-1)
}

func (s *Supervisor) spawn(ctx context.Context, userID string, p *process) error {
	dir := filepath.Join(s.instancesDir, userID)
	if err := os.MkdirAll(filepath.Join(dir, "auths"), 0o755); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := writeInstanceConfig(cfgPath, instanceConfig{
		Host:             "127.0.0.1",
		Port:             p.port,
		AuthDir:          filepath.Join(dir, "auths"),
		APIKeys:          []string{p.apiKey},
		ManagementSecret: s.mgmtSecret,
		RequestRetry:     3,
	}); err != nil {
		return err
	}

	cmd := exec.Command(s.binPath, "--config", cfgPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start cli2api: %w", err)
	}
	p.cmd = cmd
	go s.pipeOutput(userID, "stdout", stdout)
	go s.pipeOutput(userID, "stderr", stderr)
	go func() {
		_ = cmd.Wait()
		close(p.done)
		s.mu.Lock()
		if cur, ok := s.procs[userID]; ok && cur == p {
			delete(s.procs, userID)
			delete(s.usedPorts, p.port)
		}
		s.mu.Unlock()
		s.log.Info("cli2api instance exited", "user_id", userID, "port", p.port)
	}()

	p.ready = s.waitReady(ctx, p.port)
	if !p.ready {
		// Keep the child; slow OAuth bootstraps recover after the deadline.
		s.log.Warn("cli2api instance not ready within deadline, proceeding",
			"user_id", userID, "port", p.port)
	}
	s.log.Info("cli2api instance started", "user_id", userID, "port", p.port, "ready", p.ready)
	return nil
}

func (s *Supervisor) pipeOutput(userID, stream string, r interface{ Read([]byte) (int, error) }) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		s.log.Debug("cli2api "+stream, "user_id", userID, "line", sc.Text())
	}
}

// waitReady polls /v1/models until any non-5xx status answers. A 401 means
// the server is up and enforcing auth, which counts as ready.
func (s *Supervisor) waitReady(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/models", port)
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(s.readyDeadline)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readinessInterval):
		}
	}
	return false
}

func (s *Supervisor) reapIdle() {
	cutoff := time.Now().Add(-idleTTL)
	s.mu.Lock()
	var victims []struct {
		userID string
		p      *process
	}
	for userID, p := range s.procs {
		if p.lastActivity.Before(cutoff) {
			victims = append(victims, struct {
				userID string
				p      *process
			}{userID, p})
			delete(s.procs, userID)
			delete(s.usedPorts, p.port)
		}
	}
	s.mu.Unlock()
	for _, v := range victims {
		s.log.Info("reaping idle cli2api instance", "user_id", v.userID, "port", v.p.port)
		s.terminate(v.userID, v.p)
	}
}

// terminate sends SIGTERM, waits the grace window, then SIGKILLs.
func (s *Supervisor) terminate(userID string, p *process) {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(killGrace):
	}
	s.log.Warn("cli2api instance ignored SIGTERM, killing", "user_id", userID, "port", p.port)
	_ = p.cmd.Process.Kill()
}

func (p *process) alive() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
