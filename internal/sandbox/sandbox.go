// Package sandbox starts one client and server implementation pair inside
// isolated containers on a shared virtual network, wires in a packet capture
// sidecar, enforces the attempt timeout and tears everything down on every
// exit path. Many attempts run in parallel, so a leaked network or container
// would starve later triples.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/go/memoryless"
	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// ErrTimeout marks an attempt that was forcibly concluded at its wall-clock
// bound. The partial capture is preserved for diagnostics.
var ErrTimeout = errors.New("attempt timed out")

const (
	// defaultCaptureImage runs tcpdump inside the server's network
	// namespace.
	defaultCaptureImage = "nicolaka/netshoot:latest"

	// imageCacheTTL is how long a completed image pull is remembered. Image
	// tags on a testbed can move between matrix runs but not within one.
	imageCacheTTL = time.Hour

	teardownGrace = 30 * time.Second
)

// Docker drives attempts using the local docker daemon.
type Docker struct {
	cli          *client.Client
	baseDir      string
	captureImage string

	// pulled caches completed image pulls so parallel attempts do not pull
	// the same tag over and over.
	pulled *ttlcache.Cache[string, bool]

	netSeq atomic.Uint32
}

// NewDocker returns a Docker driver writing attempt artifacts under baseDir.
func NewDocker(baseDir string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	cache := ttlcache.New[string, bool](ttlcache.WithTTL[string, bool](imageCacheTTL))
	go cache.Start()
	return &Docker{
		cli:          cli,
		baseDir:      baseDir,
		captureImage: defaultCaptureImage,
		pulled:       cache,
	}, nil
}

// Run executes one attempt. It fills in the attempt's execution facts (start
// and end time, exit codes, capture path) and returns ErrTimeout when the
// wall-clock bound expired, or another error for infrastructure failures.
// Verdicts are not decided here; that is the validator's job.
func (d *Docker) Run(ctx context.Context, clientImpl, serverImpl *model.Implementation,
	tc *model.TestCase, a *model.RunAttempt) error {
	a.StartTime = time.Now()
	a.ClientExitCode = -1
	a.ServerExitCode = -1
	defer func() { a.EndTime = time.Now() }()

	dirs, err := makeAttemptDirs(d.baseDir, a.ID)
	if err != nil {
		return err
	}
	a.LogDir = dirs.root
	a.CapturePath = dirs.capturePath()

	files, err := populateWWW(dirs.www, tc)
	if err != nil {
		return fmt.Errorf("populating www dir: %w", err)
	}
	if err := generateCerts(dirs.certs); err != nil {
		return fmt.Errorf("provisioning certs: %w", err)
	}

	for _, img := range []string{serverImpl.Image, clientImpl.Image, d.captureImage} {
		if err := d.ensureImage(ctx, img); err != nil {
			return err
		}
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = spec.DefaultTestTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Teardown must run even when runCtx is already done, so it gets its
	// own bounded context.
	var cleanups []func(context.Context)
	defer func() {
		tdCtx, tdCancel := context.WithTimeout(context.Background(), teardownGrace)
		defer tdCancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i](tdCtx)
		}
	}()

	netName := fmt.Sprintf("satrunner-%s", a.ID[:8])
	netResp, err := d.cli.NetworkCreate(runCtx, netName, types.NetworkCreate{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: d.nextSubnet()}},
		},
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	cleanups = append(cleanups, func(c context.Context) {
		if err := d.cli.NetworkRemove(c, netResp.ID); err != nil {
			log.Warn("network remove failed", "attempt", a.ID, "err", err)
		}
	})

	// Server first; the client is only started once the server is up.
	serverID, err := d.startContainer(runCtx, containerSpec{
		name:    netName + "-server",
		image:   serverImpl.Image,
		env:     serverEnv(tc),
		binds: []string{
			dirs.www + ":" + spec.WWWPath + ":ro",
			dirs.certs + ":" + spec.CertsPath + ":ro",
			dirs.serverLog + ":" + spec.LogsPath,
		},
		network: netName,
		aliases: []string{"server"},
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	cleanups = append(cleanups, d.containerCleanup(serverID, "server", a, dirs.serverLog))

	if err := d.awaitRunning(runCtx, serverID); err != nil {
		return fmt.Errorf("server not ready: %w", err)
	}

	// The capture sidecar joins the server's network namespace so it sees
	// the full attempt, client handshake included.
	captureID, err := d.startContainer(runCtx, containerSpec{
		name:  netName + "-capture",
		image: d.captureImage,
		cmd: []string{"tcpdump", "-i", "any", "-U",
			"-w", "/sim/trace.pcap", "udp", "port", fmt.Sprint(spec.ServerPort)},
		binds:      []string{dirs.sim + ":/sim"},
		netsharing: serverID,
		caps:       []string{"NET_ADMIN", "NET_RAW"},
	})
	if err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	// Cleanups run in reverse order, so the capture stops after the client.
	// tcpdump runs with -U and flushes per packet, so the tail of the
	// transfer is on disk by then.
	cleanups = append(cleanups, d.containerCleanup(captureID, "capture", nil, ""))

	clientID, err := d.startContainer(runCtx, containerSpec{
		name:    netName + "-client",
		image:   clientImpl.Image,
		env:     clientEnv(tc, requestList(files)),
		binds: []string{
			dirs.downloads + ":" + spec.DownloadsPath,
			dirs.certs + ":" + spec.CertsPath + ":ro",
			dirs.clientLog + ":" + spec.LogsPath,
		},
		network: netName,
	})
	if err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	cleanups = append(cleanups, d.containerCleanup(clientID, "client", a, dirs.clientLog))
	clientStart := time.Now()

	// The attempt ends when the client exits or the timeout fires.
	waitCh, errCh := d.cli.ContainerWait(runCtx, clientID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		a.ClientExitCode = int(res.StatusCode)
		a.ClientRuntime = time.Since(clientStart)
	case err := <-errCh:
		if runCtx.Err() != nil {
			d.killBoth(clientID, serverID)
			return d.concluded(ctx, timeout)
		}
		return fmt.Errorf("waiting for client: %w", err)
	case <-runCtx.Done():
		d.killBoth(clientID, serverID)
		return d.concluded(ctx, timeout)
	}

	// The server runs until stopped; being stopped by the harness is its
	// normal way to exit.
	a.ServerExitCode = d.stopEndpoint(serverID)
	return nil
}

// concluded reports why a forcibly ended attempt was concluded: a matrix
// abort propagates the parent's cancellation, only a genuine deadline expiry
// counts as a timeout of the attempt itself.
func (d *Docker) concluded(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("attempt aborted: %w", err)
	}
	return fmt.Errorf("%w after %v", ErrTimeout, timeout)
}

type containerSpec struct {
	name       string
	image      string
	env        []string
	cmd        []string
	binds      []string
	network    string
	aliases    []string
	netsharing string // container ID whose network namespace to join
	caps       []string
}

func (d *Docker) startContainer(ctx context.Context, cs containerSpec) (string, error) {
	conf := &container.Config{
		Image: cs.image,
		Env:   cs.env,
		Cmd:   cs.cmd,
	}
	host := &container.HostConfig{
		Binds:  cs.binds,
		CapAdd: strslice.StrSlice(cs.caps),
	}
	var netConf *network.NetworkingConfig
	if cs.netsharing != "" {
		host.NetworkMode = container.NetworkMode("container:" + cs.netsharing)
	} else if cs.network != "" {
		netConf = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cs.network: {Aliases: cs.aliases},
			},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, conf, host, netConf, nil, cs.name)
	if err != nil {
		return "", err
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", err
	}
	return resp.ID, nil
}

// awaitRunning polls the container state until it is running, with jittered
// intervals so parallel attempts do not hammer the daemon in lockstep.
func (d *Docker) awaitRunning(ctx context.Context, id string) error {
	waitCtx, cancel := context.WithTimeout(ctx, spec.ReadinessTimeout)
	defer cancel()
	ticker, err := memoryless.NewTicker(waitCtx, memoryless.Config{
		Min:      50 * time.Millisecond,
		Expected: 100 * time.Millisecond,
		Max:      250 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("readiness wait expired: %w", waitCtx.Err())
		case <-ticker.C:
			info, err := d.cli.ContainerInspect(waitCtx, id)
			if err != nil {
				return err
			}
			if info.State != nil && info.State.Running {
				return nil
			}
			if info.State != nil && info.State.ExitCode != 0 && !info.State.Running &&
				info.State.Status == "exited" {
				return fmt.Errorf("container exited during startup with code %d",
					info.State.ExitCode)
			}
		}
	}
}

// stopEndpoint stops a container that is expected to still be running and
// returns its exit code. SIGTERM/SIGKILL exits caused by the stop itself are
// normalized to 0: being shut down by the harness is not a failure.
func (d *Docker) stopEndpoint(id string) int {
	ctx, cancel := context.WithTimeout(context.Background(), teardownGrace)
	defer cancel()
	sec := int(spec.TeardownTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &sec}); err != nil {
		log.Warn("container stop failed", "id", id[:12], "err", err)
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil || info.State == nil {
		return -1
	}
	return NormalizeExitCode(info.State.ExitCode)
}

// NormalizeExitCode maps signal-death exit codes from a harness-initiated
// stop (SIGTERM=143, SIGKILL=137) to success.
func NormalizeExitCode(code int) int {
	if code == 137 || code == 143 {
		return 0
	}
	return code
}

func (d *Docker) killBoth(ids ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownGrace)
	defer cancel()
	for _, id := range ids {
		if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
			log.Warn("container kill failed", "id", id[:12], "err", err)
		}
	}
}

// containerCleanup returns the teardown step for one container: stop it,
// save its logs next to the attempt artifacts, and remove it.
func (d *Docker) containerCleanup(id, role string, a *model.RunAttempt, logDir string) func(context.Context) {
	return func(ctx context.Context) {
		sec := int(spec.TeardownTimeout.Seconds())
		d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &sec})
		if logDir != "" {
			d.saveLogs(ctx, id, filepath.Join(logDir, role+".log"))
		}
		if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
			attempt := "?"
			if a != nil {
				attempt = a.ID
			}
			log.Warn("container remove failed", "attempt", attempt, "role", role, "err", err)
		}
	}
}

func (d *Docker) saveLogs(ctx context.Context, id, path string) {
	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	// Container logs are multiplexed; demux stdout and stderr into the same
	// file in arrival order.
	stdcopy.StdCopy(f, f, rc)
}

// ensureImage pulls the image unless a recent pull already succeeded. A pull
// failure is tolerated when the image exists locally, which is the common
// case for images built on the testbed itself.
func (d *Docker) ensureImage(ctx context.Context, image string) error {
	if item := d.pulled.Get(image); item != nil && item.Value() {
		return nil
	}
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err == nil {
		defer rc.Close()
		io.Copy(io.Discard, rc)
	} else {
		if _, _, inspectErr := d.cli.ImageInspectWithRaw(ctx, image); inspectErr != nil {
			return fmt.Errorf("image %s not pullable and not present: %w", image, err)
		}
		log.Debug("using local image", "image", image, "pull_err", err)
	}
	d.pulled.Set(image, true, ttlcache.DefaultTTL)
	return nil
}

// nextSubnet hands out a distinct /24 per attempt so parallel sandboxes
// never collide. The counter wraps far beyond any realistic concurrency.
func (d *Docker) nextSubnet() string {
	n := d.netSeq.Add(1) % 200
	return fmt.Sprintf("192.168.%d.0/24", 32+n)
}

// Close releases the docker client.
func (d *Docker) Close() error {
	d.pulled.Stop()
	return d.cli.Close()
}
