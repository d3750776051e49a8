package dcp

import (
	"strconv"
	"sync"
)

// NodeConfig is one node's DCP-relevant service endpoints, per spec.md
// §3.
type NodeConfig struct {
	Hostname string
	// DirectPort is the plaintext binary-protocol port; SSLPort is its
	// TLS sibling, used when Settings "useTLS" is set.
	DirectPort int
	SSLPort    int
}

func (n NodeConfig) Address(useTLS bool) string {
	if useTLS {
		return addrOf(n.Hostname, n.SSLPort)
	}
	return addrOf(n.Hostname, n.DirectPort)
}

// BucketConfig is the consumed cluster topology, per spec.md §3: number
// of partitions, node list, and a per-partition ordered node-index list
// (index 0 = active master) with an optional fast-forward map used
// mid-rebalance.
type BucketConfig struct {
	Rev        int64
	Bucket     string
	Partitions int
	Nodes      []NodeConfig

	// VBucketMap[p] is the ordered list of node indices for partition p;
	// VBucketMap[p][0] is the active master.
	VBucketMap [][]int
	// VBucketMapForward, when non-nil, is the map that will become
	// active once an in-flight rebalance completes.
	VBucketMapForward [][]int
}

// MasterOf resolves the node index mastering partition p, optionally
// consulting the fast-forward map (spec.md §3's "optional
// use-fast-forward-map flag").
func (c *BucketConfig) MasterOf(p uint16, useFastForward bool) (int, error) {
	table := c.VBucketMap
	if useFastForward && c.VBucketMapForward != nil {
		table = c.VBucketMapForward
	}
	if int(p) >= len(table) || len(table[p]) == 0 {
		return -1, &InvariantViolationError{Reason: "no master known for partition"}
	}
	idx := table[p][0]
	if idx < 0 || idx >= len(c.Nodes) {
		return -1, &InvariantViolationError{Reason: "master index out of range"}
	}
	return idx, nil
}

// ConfigProvider is the capability spec.md §4.4 describes: a black box
// that produces the current BucketConfig and can be asked to refresh,
// publishing monotone-revision updates. The core never assumes HTTP;
// HTTPConfigProvider (package config) and StaticConfigProvider below are
// just two implementations of this seam.
type ConfigProvider interface {
	// Config returns the last config observed, without forcing a fetch.
	Config() *BucketConfig
	// Refresh fetches a (possibly new) config, retrying internally
	// under the given RetryPolicy, and returns it.
	Refresh(policy RetryPolicy) (*BucketConfig, error)
	// Subscribe registers ch to receive pushed BucketConfig updates.
	// Subscribe never blocks, and updates are delivered with a
	// non-blocking send: one that finds ch full is dropped, so ch should
	// be buffered or drained promptly. HTTPConfigProvider pushes only
	// configs with a newer revision; StaticConfigProvider pushes every
	// config passed to Set.
	Subscribe(ch chan<- *BucketConfig)
}

// StaticConfigProvider is an in-memory ConfigProvider for tests and for
// embedders that already own config delivery, per spec.md §4.4.
type StaticConfigProvider struct {
	mu   sync.Mutex
	cfg  *BucketConfig
	subs []chan<- *BucketConfig
}

func NewStaticConfigProvider(cfg *BucketConfig) *StaticConfigProvider {
	return &StaticConfigProvider{cfg: cfg}
}

func (s *StaticConfigProvider) Config() *BucketConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *StaticConfigProvider) Refresh(RetryPolicy) (*BucketConfig, error) {
	return s.Config(), nil
}

func (s *StaticConfigProvider) Subscribe(ch chan<- *BucketConfig) {
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
}

// Set installs a new config and notifies subscribers, simulating a
// topology-change push for tests (spec.md §8 scenario 4).
func (s *StaticConfigProvider) Set(cfg *BucketConfig) {
	s.mu.Lock()
	s.cfg = cfg
	subs := append([]chan<- *BucketConfig(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

func addrOf(host string, port int) string {
	if port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}
