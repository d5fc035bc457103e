package dnconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProps(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "datanode.properties")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesNamespacesAndDirs(t *testing.T) {
	path := writeProps(t, `
# comment lines and blanks are ignored

fs.default.name=hdfs://default:8020
dfs.namenode.rpc-address.ns1-0=ns1-a:9000
dfs.namenode.rpc-address.ns1-1=ns1-b:9000
dfs.avatarnode.port=9100
dfs.datanode.simulateddatastorage=true
dfs.datanode.startup=ROLLBACK
dfs.data.dir=/data/1,/data/2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hdfs://default:8020", cfg.DefaultName)
	assert.True(t, cfg.SimulatedDataStorage)
	assert.Equal(t, StartupRollback, cfg.Startup)
	assert.Equal(t, []string{"/data/1", "/data/2"}, cfg.DataDirs)

	require.Len(t, cfg.Namespaces, 1)
	ns := cfg.Namespaces[0]
	assert.Equal(t, "ns1", ns.NameserviceID)
	assert.Equal(t, "ns1-a:9000", ns.Session0Addr)
	assert.Equal(t, "ns1-b:9000", ns.Session1Addr)
	assert.Equal(t, 9100, ns.AdminPort0)
	assert.Equal(t, 9100, ns.AdminPort1)
}

func TestLoadDerivesAdminPortFromDataPortWhenUnset(t *testing.T) {
	path := writeProps(t, `
dfs.namenode.rpc-address.ns1-0=ns1-a:9000
dfs.namenode.rpc-address.ns1-1=ns1-b:9001
dfs.data.dir=/data/1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Namespaces, 1)
	assert.Equal(t, 9001, cfg.Namespaces[0].AdminPort0)
	assert.Equal(t, 9002, cfg.Namespaces[0].AdminPort1)
}

func TestLoadFailsWithoutDataDirs(t *testing.T) {
	path := writeProps(t, `
dfs.namenode.rpc-address.ns1-0=ns1-a:9000
dfs.namenode.rpc-address.ns1-1=ns1-b:9000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadFailsWithIncompleteNamespace(t *testing.T) {
	path := writeProps(t, `
dfs.namenode.rpc-address.ns1-0=ns1-a:9000
dfs.data.dir=/data/1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.properties"))
	require.Error(t, err)
}

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "datanode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadYAMLParsesNamespacesAndDirs(t *testing.T) {
	path := writeYAML(t, `
defaultName: hdfs://default:8020
simulatedDataStorage: true
startup: ROLLBACK
dataDirs:
  - /data/1
  - /data/2
namespaces:
  - id: ns1
    session0: ns1-a:9000
    session1: ns1-b:9000
    adminPort0: 9100
    adminPort1: 9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hdfs://default:8020", cfg.DefaultName)
	assert.True(t, cfg.SimulatedDataStorage)
	assert.Equal(t, StartupRollback, cfg.Startup)
	assert.Equal(t, []string{"/data/1", "/data/2"}, cfg.DataDirs)

	require.Len(t, cfg.Namespaces, 1)
	ns := cfg.Namespaces[0]
	assert.Equal(t, "ns1", ns.NameserviceID)
	assert.Equal(t, "ns1-a:9000", ns.Session0Addr)
	assert.Equal(t, "ns1-b:9000", ns.Session1Addr)
	assert.Equal(t, 9100, ns.AdminPort0)
	assert.Equal(t, 9100, ns.AdminPort1)
}

func TestLoadYAMLDerivesAdminPortFromDataPortWhenUnset(t *testing.T) {
	path := writeYAML(t, `
dataDirs: [/data/1]
namespaces:
  - id: ns1
    session0: ns1-a:9000
    session1: ns1-b:9001
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Namespaces, 1)
	assert.Equal(t, 9001, cfg.Namespaces[0].AdminPort0)
	assert.Equal(t, 9002, cfg.Namespaces[0].AdminPort1)
}
