// Package dnconfig loads this data node's configuration and watches it for
// changes, the way the teacher's pkg/client config layer does: a flat
// key/value property file (Hadoop-style, the format this data node's
// operators already maintain for the metadata servers it talks to) decoded
// into a typed struct, plus an fsnotify watcher that debounces edits and
// invokes a reload callback (pkg/client/config.go's Watch).
//
// Process-level operational knobs that are not part of the on-disk
// namespace topology (the coordinator address, the shutdown grace period)
// are loaded separately via go-envconfig, mirroring
// cmd/traffic/cmd/manager/envconfig.go.
package dnconfig

import (
	"bufio"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// StartupMode selects the on-disk recovery mode a data node boots with.
type StartupMode string

const (
	StartupRegular  StartupMode = "REGULAR"
	StartupRollback StartupMode = "ROLLBACK"
)

// NamespaceEntry is one configured namespace: its nameservice id, the
// fallback default address, the two peer addresses, and the admin port
// offset.
type NamespaceEntry struct {
	NameserviceID string
	DefaultAddr   string
	Session0Addr  string
	Session1Addr  string
	AdminPort0    int
	AdminPort1    int
}

// Config is the decoded on-disk property file.
type Config struct {
	DefaultName          string
	Namespaces           []NamespaceEntry
	SimulatedDataStorage bool
	Startup              StartupMode
	DataDirs             []string
}

// Env is this process's operational configuration, loaded from the
// environment via go-envconfig the same way Env is in
// cmd/traffic/cmd/manager/envconfig.go.
type Env struct {
	CoordinatorURL  string        `env:"AVATARFS_COORDINATOR_URL,default=http://localhost:9870"`
	ShutdownTimeout time.Duration `env:"AVATARFS_SHUTDOWN_TIMEOUT,default=30s"`
}

// LoadEnv processes Env from the environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// Load decodes the configuration file at path. A ".yaml"/".yml" extension
// selects the structured YAML format; anything else is read as the flat
// Hadoop-style key=value property file spec.md §6 names, preserved as a
// compatibility format for operators migrating existing deployments.
func Load(path string) (*Config, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadProperties(path)
	}
}

// yamlNamespace is one namespace entry in the structured YAML config.
type yamlNamespace struct {
	ID         string `yaml:"id"`
	Session0   string `yaml:"session0"`
	Session1   string `yaml:"session1"`
	AdminPort0 int    `yaml:"adminPort0"`
	AdminPort1 int    `yaml:"adminPort1"`
}

// yamlConfig is the structured YAML shape of Config, matching the teacher's
// config.go convention of a thin YAML struct decoded with gopkg.in/yaml.v3
// and then validated/normalized into the internal Config.
type yamlConfig struct {
	DefaultName          string          `yaml:"defaultName"`
	Namespaces           []yamlNamespace `yaml:"namespaces"`
	SimulatedDataStorage bool            `yaml:"simulatedDataStorage"`
	Startup              StartupMode     `yaml:"startup"`
	DataDirs             []string        `yaml:"dataDirs"`
}

func loadYAML(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dnconfig: opening %s", path)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return nil, errors.Wrapf(err, "dnconfig: parsing %s", path)
	}

	cfg := &Config{
		DefaultName:          yc.DefaultName,
		SimulatedDataStorage: yc.SimulatedDataStorage,
		Startup:              StartupRegular,
		DataDirs:             yc.DataDirs,
	}
	if yc.Startup == StartupRollback {
		cfg.Startup = StartupRollback
	}
	if len(cfg.DataDirs) == 0 {
		return nil, errors.New("dnconfig: dataDirs must list at least one directory")
	}

	for _, ns := range yc.Namespaces {
		if ns.Session0 == "" || ns.Session1 == "" {
			return nil, errors.Errorf("dnconfig: namespace %q is missing one of its two session addresses", ns.ID)
		}
		entry := NamespaceEntry{
			NameserviceID: ns.ID,
			DefaultAddr:   cfg.DefaultName,
			Session0Addr:  ns.Session0,
			Session1Addr:  ns.Session1,
			AdminPort0:    derivedAdminPort(ns.Session0, ns.AdminPort0),
			AdminPort1:    derivedAdminPort(ns.Session1, ns.AdminPort1),
		}
		cfg.Namespaces = append(cfg.Namespaces, entry)
	}

	return cfg, nil
}

func loadProperties(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dnconfig: opening %s", path)
	}
	defer f.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "dnconfig: reading %s", path)
	}

	return decode(raw)
}

func decode(raw map[string]string) (*Config, error) {
	cfg := &Config{
		DefaultName: raw["fs.default.name"],
		Startup:     StartupRegular,
	}

	if v, ok := raw["dfs.datanode.simulateddatastorage"]; ok {
		cfg.SimulatedDataStorage = strings.EqualFold(v, "true")
	}
	if v, ok := raw["dfs.datanode.startup"]; ok && strings.EqualFold(v, string(StartupRollback)) {
		cfg.Startup = StartupRollback
	}
	if v, ok := raw["dfs.data.dir"]; ok {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.DataDirs = append(cfg.DataDirs, d)
			}
		}
	}

	nsAddrs := make(map[string][2]string)
	for key, value := range raw {
		const prefix = "dfs.namenode.rpc-address."
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if len(rest) < 2 {
			continue
		}
		suffix := rest[len(rest)-1:]
		// "<ns>0" and "<ns>-0" both name namespace <ns>.
		ns := strings.TrimSuffix(rest[:len(rest)-1], "-")
		pair := nsAddrs[ns]
		switch suffix {
		case "0":
			pair[0] = value
		case "1":
			pair[1] = value
		default:
			continue
		}
		nsAddrs[ns] = pair
	}

	adminPort, _ := strconv.Atoi(raw["dfs.avatarnode.port"])

	for ns, pair := range nsAddrs {
		if pair[0] == "" || pair[1] == "" {
			return nil, errors.Errorf("dnconfig: namespace %q is missing one of its two rpc-address entries", ns)
		}
		entry := NamespaceEntry{
			NameserviceID: ns,
			DefaultAddr:   cfg.DefaultName,
			Session0Addr:  pair[0],
			Session1Addr:  pair[1],
		}
		entry.AdminPort0 = derivedAdminPort(pair[0], adminPort)
		entry.AdminPort1 = derivedAdminPort(pair[1], adminPort)
		cfg.Namespaces = append(cfg.Namespaces, entry)
	}

	if len(cfg.DataDirs) == 0 {
		return nil, errors.New("dnconfig: dfs.data.dir must list at least one directory")
	}

	return cfg, nil
}

// derivedAdminPort returns the configured admin port if set, otherwise the
// data port's port number plus one, per spec.md's dfs.avatarnode.port
// default.
func derivedAdminPort(dataAddr string, configured int) int {
	if configured != 0 {
		return configured
	}
	_, portStr, err := splitHostPort(dataAddr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return p + 1
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", errors.Errorf("dnconfig: %q is not a host:port pair", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// Watch watches path's containing directory and invokes onReload (with a
// short debounce, since editors typically rename-then-create) whenever
// path itself is written or recreated. Mirrors pkg/client/config.go's
// Watch.
func Watch(ctx context.Context, path string, onReload func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	delay := time.AfterFunc(time.Duration(math.MaxInt64), func() {
		if err := onReload(ctx); err != nil {
			dlog.Error(ctx, err)
		}
	})
	defer delay.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			dlog.Error(ctx, err)
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && event.Name == path {
				delay.Reset(5 * time.Millisecond)
			}
		}
	}
}
