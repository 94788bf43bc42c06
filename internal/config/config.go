// Package config loads the auditor configuration from the environment and an
// optional YAML cluster file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/util"
)

type Config struct {
	Cluster    ClusterConfig
	Audit      AuditConfig
	DB         DBConfig
	Log        LogConfig
	Storage    StorageConfig
	Notify     NotifyConfig
	Metrics    MetricsConfig
	Checkpoint CheckpointConfig
}

// ClusterConfig is the ordered node list. Node order defines node indices.
type ClusterConfig struct {
	Name  string       `yaml:"name"`
	Nodes []NodeConfig `yaml:"nodes"`
}

type NodeConfig struct {
	Name   string `yaml:"name"`
	NodeID uint32 `yaml:"node_id"`
	DSN    string `yaml:"dsn"`
}

type AuditConfig struct {
	WorkDir      string
	MinAge       time.Duration
	PollInterval time.Duration
	MinPresent   int // 0 means N-2
}

type DBConfig struct {
	MaxConns       int32
	ConnectTimeout time.Duration
}

type LogConfig struct {
	Format string
	Level  string
}

type StorageConfig struct {
	Backend    string // none | local | gcs | s3 | blob
	LocalDir   string
	Bucket     string
	BucketURL  string
	Prefix     string
	S3Endpoint string
	S3Region   string
}

type NotifyConfig struct {
	Enabled   bool
	Endpoint  string
	BackupDir string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type CheckpointConfig struct {
	Enabled bool
	Dir     string
}

// MustLoad loads and validates the configuration, exiting on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := ParseDuration(getenvDefault(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key, def string) int64 {
		n, err := util.Atoi(getenvDefault(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cluster, err := loadCluster()
	if err != nil {
		return Config{}, err
	}

	stateDir := getenvDefault("STATE_DIR", "./state")
	cfg := Config{
		Cluster: cluster,
		Audit: AuditConfig{
			WorkDir:      getenvDefault("AUDIT_WORK_DIR", "./audit-work"),
			MinAge:       duration("AUDIT_MIN_AGE", "1 day"),
			PollInterval: duration("AUDIT_POLL_INTERVAL", "1s"),
			MinPresent:   int(integer("AUDIT_MIN_PRESENT", "0")),
		},
		DB: DBConfig{
			MaxConns:       int32(integer("DB_MAX_CONNS", "2")),
			ConnectTimeout: duration("DB_CONNECT_TIMEOUT", "30s"),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			Backend:    getenvDefault("STORAGE_BACKEND", "none"),
			LocalDir:   getenvDefault("STORAGE_LOCAL_DIR", "./audits"),
			Bucket:     os.Getenv("STORAGE_BUCKET"),
			BucketURL:  os.Getenv("STORAGE_BUCKET_URL"),
			Prefix:     getenvDefault("STORAGE_PREFIX", "anti-entropy/"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			S3Region:   os.Getenv("S3_REGION"),
		},
		Notify: NotifyConfig{
			Enabled:   os.Getenv("NOTIFY_ENABLED") == "true",
			Endpoint:  os.Getenv("NOTIFY_ENDPOINT"),
			BackupDir: getenvDefault("NOTIFY_BACKUP_DIR", stateDir),
		},
		Metrics: MetricsConfig{
			Enabled: os.Getenv("METRICS_ENABLED") == "true",
			Addr:    getenvDefault("METRICS_ADDR", ":9090"),
		},
		Checkpoint: CheckpointConfig{
			Enabled: getenvDefault("CHECKPOINT_ENABLED", "true") == "true",
			Dir:     stateDir,
		},
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadCluster reads the cluster file named by CLUSTER_CONFIG, or builds the
// node list from NODE_NAMES, NODE_IDS and the per-node DSN variables.
func loadCluster() (ClusterConfig, error) {
	var cc ClusterConfig
	if path := os.Getenv("CLUSTER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cc, fmt.Errorf("read cluster config: %w", err)
		}
		if cc, err = ParseCluster(data); err != nil {
			return cc, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		names := util.SplitList(os.Getenv("NODE_NAMES"))
		ids := util.SplitList(os.Getenv("NODE_IDS"))
		if len(ids) > 0 && len(ids) != len(names) {
			return cc, fmt.Errorf("NODE_IDS has %d entries for %d NODE_NAMES", len(ids), len(names))
		}
		for i, name := range names {
			node := NodeConfig{Name: name, NodeID: uint32(i + 1)}
			if len(ids) > 0 {
				id, err := strconv.ParseUint(ids[i], 10, 32)
				if err != nil {
					return cc, fmt.Errorf("NODE_IDS entry %q: %w", ids[i], err)
				}
				node.NodeID = uint32(id)
			}
			cc.Nodes = append(cc.Nodes, node)
		}
	}

	if name := os.Getenv("CLUSTER_NAME"); name != "" {
		cc.Name = name
	}
	if cc.Name == "" {
		cc.Name = "nimbus"
	}

	template := os.Getenv("NODE_DSN_TEMPLATE")
	for i := range cc.Nodes {
		n := &cc.Nodes[i]
		if dsn := os.Getenv(DSNEnvKey(n.Name)); dsn != "" {
			n.DSN = dsn
		}
		if n.DSN == "" && template != "" {
			n.DSN = strings.ReplaceAll(template, "{node}", n.Name)
		}
	}
	return cc, nil
}

// ParseCluster decodes a YAML cluster file. When no node sets node_id the
// ids default to 1..N in file order, as for NODE_NAMES. Setting it on some
// nodes only is an error.
func ParseCluster(data []byte) (ClusterConfig, error) {
	var cc ClusterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return cc, fmt.Errorf("parse cluster config: %w", err)
	}

	var missing []string
	for _, n := range cc.Nodes {
		if n.NodeID == 0 {
			missing = append(missing, n.Name)
		}
	}
	switch {
	case len(missing) == len(cc.Nodes):
		for i := range cc.Nodes {
			cc.Nodes[i].NodeID = uint32(i + 1)
		}
	case len(missing) > 0:
		return cc, fmt.Errorf("node_id required for nodes %s", strings.Join(missing, ", "))
	}
	return cc, nil
}

// DSNEnvKey returns the environment variable holding a node's DSN,
// e.g. NODE_DSN_MULTI_NODE_01 for "multi-node-01".
func DSNEnvKey(node string) string {
	key := strings.ToUpper(node)
	key = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
	return "NODE_DSN_" + key
}

// Validate checks the configuration for values the auditor cannot run with.
func (c Config) Validate() error {
	var errs []error

	if len(c.Cluster.Nodes) == 0 {
		errs = append(errs, errors.New("no nodes configured (set CLUSTER_CONFIG or NODE_NAMES)"))
	}
	names := make(map[string]bool, len(c.Cluster.Nodes))
	ids := make(map[uint32]bool, len(c.Cluster.Nodes))
	for i, n := range c.Cluster.Nodes {
		switch {
		case n.Name == "":
			errs = append(errs, fmt.Errorf("node %d has no name", i))
		case names[n.Name]:
			errs = append(errs, fmt.Errorf("duplicate node name %q", n.Name))
		}
		if ids[n.NodeID] {
			errs = append(errs, fmt.Errorf("duplicate node id %d", n.NodeID))
		}
		if n.DSN == "" {
			errs = append(errs, fmt.Errorf("node %q has no database DSN (set %s)", n.Name, DSNEnvKey(n.Name)))
		}
		names[n.Name] = true
		ids[n.NodeID] = true
	}

	if c.Audit.WorkDir == "" {
		errs = append(errs, errors.New("work directory is empty"))
	}
	if c.Audit.MinAge <= 0 {
		errs = append(errs, fmt.Errorf("minimum age must be positive, got %s", c.Audit.MinAge))
	}
	if c.Audit.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.Audit.PollInterval))
	}
	if c.Audit.MinPresent < 0 || c.Audit.MinPresent > len(c.Cluster.Nodes) {
		errs = append(errs, fmt.Errorf("minimum present rows %d out of range for %d nodes", c.Audit.MinPresent, len(c.Cluster.Nodes)))
	}

	switch c.Storage.Backend {
	case "none", "local", "gcs", "s3", "blob":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// SegmentCluster builds the ordered node list used by the audit stages.
func (c ClusterConfig) SegmentCluster() (*segment.Cluster, error) {
	names := make([]string, len(c.Nodes))
	ids := make([]uint32, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = n.Name
		ids[i] = n.NodeID
	}
	return segment.NewCluster(names, ids)
}

// DSN returns the database DSN of a node.
func (c ClusterConfig) DSN(node string) (string, bool) {
	for _, n := range c.Nodes {
		if n.Name == node {
			return n.DSN, true
		}
	}
	return "", false
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
