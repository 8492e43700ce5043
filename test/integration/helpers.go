package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"okufs/client"
	"okufs/internal/config"
	"okufs/internal/ids"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running node or relay process.
type Process struct {
	name     string             // name identifies the process in failures
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC network address
	dataDir  string             // dataDir is the process data directory
	id       ids.NodeID         // id is the node id derived from the key
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the node's HTTP address.
func (p *Process) HTTPAddr() string { return p.httpAddr }

// Addr returns the dialable node address.
func (p *Process) Addr() string { return p.id.String() + "@" + p.quicAddr }

// Logs returns the process stdout output.
func (p *Process) Logs() string { return p.stdout.String() }

// LogContains checks if the logs contain a substring.
func (p *Process) LogContains(s string) bool {
	return strings.Contains(p.stdout.String(), s)
}

// IsRunning reports whether the process logged startMarker and has not exited.
func (p *Process) IsRunning(startMarker string) bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	if !p.LogContains(startMarker) {
		return false
	}

	return p.cmd.ProcessState == nil
}

// Stop terminates the process.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase int  // httpBase is the starting HTTP port
	quicBase int  // quicBase is the starting QUIC port
	relay    bool // relay starts a relay every node bridges to
	isolated bool // isolated leaves nodes without DHT bootstrap
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithHTTPBase sets the first HTTP port.
func WithHTTPBase(port int) ClusterOption { return func(o *clusterOpts) { o.httpBase = port } }

// WithQUICBase sets the first QUIC port.
func WithQUICBase(port int) ClusterOption { return func(o *clusterOpts) { o.quicBase = port } }

// WithRelay starts a relay and points every node at it.
func WithRelay() ClusterOption { return func(o *clusterOpts) { o.relay = true } }

// Isolated starts nodes without DHT bootstrap so they only meet via the relay.
func Isolated() ClusterOption { return func(o *clusterOpts) { o.isolated = true } }

// Cluster manages okufs node processes for integration tests.
type Cluster struct {
	t        *testing.T
	nodeBin  string
	relayBin string
	nodes    []*Process
	relay    *Process
	testDir  string
	opts     clusterOpts
}

// NewCluster builds the binaries, starts size nodes, and registers cleanup.
// Node 0 is the DHT bootstrap of the others unless Isolated is set.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		httpBase: 18100,
		quicBase: 19100,
	}
	for _, o := range options {
		o(&opts)
	}

	testDir, err := os.MkdirTemp("", "okufs_it_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	c := &Cluster{t: t, testDir: testDir, opts: opts}
	c.nodeBin, c.relayBin = buildBinaries(t, testDir)

	t.Cleanup(c.Stop)

	if opts.relay {
		c.relay = c.startRelay()
	}

	c.nodes = make([]*Process, size)
	for i := range size {
		c.nodes[i] = c.startNode(i)
	}

	c.WaitReady(15 * time.Second)

	return c
}

// startRelay starts the relay process.
func (c *Cluster) startRelay() *Process {
	c.t.Helper()

	p := c.newProcess("relay", "", fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+99))
	args := []string{
		"-quic", p.quicAddr,
		"-key", filepath.Join(p.dataDir, "relay.key"),
		"-refresh", "2s",
		"-log-level", "debug",
	}

	c.launch(p, c.relayBin, args)

	return p
}

// startNode starts node index.
func (c *Cluster) startNode(index int) *Process {
	c.t.Helper()

	p := c.newProcess(
		fmt.Sprintf("node-%d", index),
		fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+index),
		fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+index),
	)

	if c.relay != nil {
		cfg := config.Config{RelayAddress: c.relay.quicAddr}
		if err := config.Save(filepath.Join(p.dataDir, config.FileName), cfg); err != nil {
			c.t.Fatalf("write config for %s: %v", p.name, err)
		}
	}

	args := []string{
		"-data", p.dataDir,
		"-http", p.httpAddr,
		"-quic", p.quicAddr,
		"-log-level", "debug",
	}

	if index > 0 && !c.opts.isolated {
		args = append(args, "-bootstrap", c.nodes[0].Addr())
	}

	c.launch(p, c.nodeBin, args)

	return p
}

// newProcess prepares the data directory and identity of a process.
func (c *Cluster) newProcess(name, httpAddr, quicAddr string) *Process {
	c.t.Helper()

	p := &Process{
		name:     name,
		httpAddr: httpAddr,
		quicAddr: quicAddr,
		dataDir:  filepath.Join(c.testDir, name),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}

	if err := os.MkdirAll(p.dataDir, 0755); err != nil {
		c.t.Fatalf("create dir for %s: %v", name, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		c.t.Fatalf("generate key for %s: %v", name, err)
	}

	keyName := "node.key"
	if name == "relay" {
		keyName = "relay.key"
	}

	if err := os.WriteFile(filepath.Join(p.dataDir, keyName), priv, 0600); err != nil {
		c.t.Fatalf("write key for %s: %v", name, err)
	}

	p.id = ids.NodeIDFromKey(pub)

	return p
}

// launch starts the process in the background.
func (c *Cluster) launch(p *Process, binary string, args []string) {
	c.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.cmd = exec.CommandContext(ctx, binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		c.t.Fatalf("start %s: %v", p.name, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go p.cmd.Wait()
}

// Stop kills all processes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	all := append([]*Process{c.relay}, c.nodes...)
	for _, p := range all {
		if p == nil {
			continue
		}

		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Stop()
		}(p)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Process { return c.nodes[i] }

// Relay returns the relay process, or nil.
func (c *Cluster) Relay() *Process { return c.relay }

// Client creates a client.Client connected to a node.
func (c *Cluster) Client(i int) *client.Client {
	return client.NewClient(c.nodes[i].httpAddr)
}

// WaitReady polls until every node answers /health.
func (c *Cluster) WaitReady(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for i, p := range c.nodes {
		for {
			if err := c.Client(i).Health(); err == nil {
				break
			}

			if time.Now().After(deadline) {
				c.t.Fatalf("%s not ready:\nSTDOUT:\n%s\nSTDERR:\n%s", p.name, p.Logs(), p.stderr.String())
			}

			time.Sleep(100 * time.Millisecond)
		}
	}

	if c.relay != nil && !c.relay.IsRunning("relay started") {
		c.t.Fatalf("relay not running:\nSTDOUT:\n%s\nSTDERR:\n%s", c.relay.Logs(), c.relay.stderr.String())
	}
}

// Eventually retries fn until it succeeds or timeout passes.
func (c *Cluster) Eventually(timeout time.Duration, what string, fn func() error) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	var last error
	for time.Now().Before(deadline) {
		if last = fn(); last == nil {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	c.t.Fatalf("%s: %v", what, last)
}

// buildBinaries builds the node and relay commands into dir.
func buildBinaries(t *testing.T, dir string) (string, string) {
	t.Helper()

	root := getProjectRoot(t)
	node := filepath.Join(dir, "okufs-node")
	relay := filepath.Join(dir, "okufs-relay")

	for bin, pkg := range map[string]string{node: "./cmd/node", relay: "./cmd/relay"} {
		cmd := exec.Command("go", "build", "-o", bin, pkg)
		cmd.Dir = root

		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("build %s failed: %v\n%s", pkg, err, output)
		}
	}

	return node, relay
}

// getProjectRoot returns the directory holding go.mod.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	for range 5 {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}

	t.Fatalf("go.mod not found above %s", dir)
	return ""
}
