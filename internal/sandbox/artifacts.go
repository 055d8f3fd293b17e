package sandbox

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// attemptDirs is the artifact directory layout of one attempt. Everything an
// attempt produces (captures, logs, qlogs, transferred files) lives under a
// single directory so diagnostics survive teardown.
type attemptDirs struct {
	root      string
	www       string
	downloads string
	logs      string
	clientLog string
	serverLog string
	sim       string
	certs     string
}

func makeAttemptDirs(baseDir, attemptID string) (*attemptDirs, error) {
	root := filepath.Join(baseDir, attemptID)
	d := &attemptDirs{
		root:      root,
		www:       filepath.Join(root, "www"),
		downloads: filepath.Join(root, "downloads"),
		logs:      filepath.Join(root, "logs"),
		clientLog: filepath.Join(root, "logs", "client"),
		serverLog: filepath.Join(root, "logs", "server"),
		sim:       filepath.Join(root, "sim"),
		certs:     filepath.Join(root, "certs"),
	}
	for _, dir := range []string{
		d.www, d.downloads,
		filepath.Join(d.clientLog, "qlog"), filepath.Join(d.serverLog, "qlog"),
		d.sim, d.certs,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating attempt dirs: %w", err)
		}
	}
	return d, nil
}

func (d *attemptDirs) capturePath() string {
	return filepath.Join(d.sim, "trace.pcap")
}

// populateWWW fills the server's www tree with the random files the test
// case asks the client to download, and returns their names.
func populateWWW(wwwDir string, tc *model.TestCase) ([]string, error) {
	count := tc.FileCount
	if count <= 0 {
		count = 1
	}
	size := tc.FileSize
	if size <= 0 {
		size = 1 << 10
	}
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("file%d", i)
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(wwwDir, name), data, 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// requestList renders the REQUESTS environment value: one URL per served
// file, space separated, matching the implementation container contract.
func requestList(files []string) string {
	urls := make([]string, 0, len(files))
	for _, f := range files {
		urls = append(urls, fmt.Sprintf("https://server:%d/%s", spec.ServerPort, f))
	}
	return strings.Join(urls, " ")
}

// serverEnv and clientEnv render the standardized environment contract for
// the two endpoint containers.
func serverEnv(tc *model.TestCase) []string {
	return []string{
		spec.EnvRole + "=server",
		spec.EnvTestCase + "=" + tc.ID,
		fmt.Sprintf("%s=%d", spec.EnvServerPort, spec.ServerPort),
		spec.EnvVersion + "=1",
		spec.EnvCertsDir + "=" + spec.CertsPath,
		spec.EnvWWWDir + "=" + spec.WWWPath,
		spec.EnvLogsDir + "=" + spec.LogsPath,
		spec.EnvSSLKeyLogFile + "=" + spec.KeyLogFile,
		spec.EnvQlogDir + "=" + spec.QlogPath,
	}
}

func clientEnv(tc *model.TestCase, requests string) []string {
	return []string{
		spec.EnvRole + "=client",
		spec.EnvTestCase + "=" + tc.ID,
		spec.EnvRequests + "=" + requests,
		spec.EnvServerName + "=server",
		fmt.Sprintf("%s=%d", spec.EnvServerPort, spec.ServerPort),
		spec.EnvVersion + "=1",
		spec.EnvCertsDir + "=" + spec.CertsPath,
		spec.EnvDownloadsDir + "=" + spec.DownloadsPath,
		spec.EnvLogsDir + "=" + spec.LogsPath,
		spec.EnvSSLKeyLogFile + "=" + spec.KeyLogFile,
		spec.EnvQlogDir + "=" + spec.QlogPath,
	}
}
