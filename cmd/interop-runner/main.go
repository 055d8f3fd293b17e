// The interop-runner command runs the full (client, server, test case)
// matrix over the emulated satellite link and writes result.json plus the
// per-attempt archive. It exits 0 iff every cell resolved to a definitive
// verdict.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/quic-interop/satrunner/internal/config"
	"github.com/quic-interop/satrunner/internal/export"
	"github.com/quic-interop/satrunner/internal/history"
	"github.com/quic-interop/satrunner/internal/netem"
	"github.com/quic-interop/satrunner/internal/persistence"
	"github.com/quic-interop/satrunner/internal/sandbox"
	"github.com/quic-interop/satrunner/internal/sched"
	"github.com/quic-interop/satrunner/internal/validate"
	"github.com/quic-interop/satrunner/pkg/interop/model"
)

var (
	flagImplementations = flag.String("implementations", "implementations.yaml",
		"Implementation declaration file")
	flagOutput  = flag.String("output", "./out", "Directory for result.json and attempt artifacts")
	flagDataDir = flag.String("datadir", "./data", "Directory for the per-attempt archive")
	flagHistory = flag.String("history.db", "", "Path of the sqlite run history (empty disables it)")
	flagWorkers = flag.Int("workers", 2, "Concurrent matrix triples")
	flagCommit  = flag.String("git.commit", "", "Short commit of the running code, for archival records")
	flagVerbose = flag.Bool("verbose", false, "Enable debug logging")

	flagNetemAddr = flag.String("netem.addr", "", "SSH address of the link emulation node (empty disables shaping)")
	flagNetemUser = flag.String("netem.user", "root", "SSH user on the emulation node")
	flagNetemKey  = flag.String("netem.key", "", "SSH private key file for the emulation node")
	flagNetemFwd  = flag.String("netem.fwd-dev", "eth1", "Forward-direction interface on the emulation node")
	flagNetemRet  = flag.String("netem.ret-dev", "eth2", "Return-direction interface on the emulation node")

	clientNames = flagx.StringArray{}
	serverNames = flagx.StringArray{}
	testIDs     = flagx.StringArray{}
)

func init() {
	flag.Var(&clientNames, "clients", "Client implementations to include (default: all)")
	flag.Var(&serverNames, "servers", "Server implementations to include (default: all)")
	flag.Var(&testIDs, "tests", "Test cases to include (default: all)")
}

// selectRoles narrows the matrix: an implementation outside the -clients
// selection loses its client role, one outside -servers its server role, and
// implementations left without a role are dropped. An empty selection keeps
// every declared role. Unknown names are an error so a typo cannot silently
// shrink the matrix.
func selectRoles(impls []model.Implementation, clients, servers []string) ([]model.Implementation, error) {
	if _, err := config.FilterImplementations(impls, clients); err != nil {
		return nil, err
	}
	if _, err := config.FilterImplementations(impls, servers); err != nil {
		return nil, err
	}
	contains := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}
	var out []model.Implementation
	for _, impl := range impls {
		asClient := impl.SupportsRole(model.RoleClient) &&
			(len(clients) == 0 || contains(clients, impl.Name))
		asServer := impl.SupportsRole(model.RoleServer) &&
			(len(servers) == 0 || contains(servers, impl.Name))
		switch {
		case asClient && asServer:
			impl.Role = model.RoleBoth
		case asClient:
			impl.Role = model.RoleClient
		case asServer:
			impl.Role = model.RoleServer
		default:
			continue
		}
		out = append(out, impl)
	}
	return out, nil
}

// multiRecorder fans a finalized attempt out to every backing store.
type multiRecorder []sched.Recorder

func (m multiRecorder) Record(rec model.RunRecord) {
	for _, r := range m {
		r.Record(rec)
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	log.SetReportTimestamp(true)
	if *flagVerbose {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	impls, err := config.LoadImplementations(*flagImplementations)
	rtx.Must(err, "failed to load implementations")
	impls, err = selectRoles(impls, clientNames, serverNames)
	rtx.Must(err, "failed to apply implementation selection")
	tests, err := config.FilterTests(config.Registry(), testIDs)
	rtx.Must(err, "failed to apply test selection")

	rtx.Must(os.MkdirAll(*flagOutput, 0755), "failed to create output directory")
	driver, err := sandbox.NewDocker(*flagOutput)
	rtx.Must(err, "failed to connect to docker")
	defer driver.Close()

	var link sched.LinkController = &netem.Noop{}
	if *flagNetemAddr != "" {
		runner, err := netem.DialSSH(*flagNetemAddr, *flagNetemUser, *flagNetemKey)
		rtx.Must(err, "failed to reach the emulation node")
		ctl := netem.New(runner, *flagNetemFwd, *flagNetemRet)
		defer ctl.Close()
		rtx.Must(ctl.Reset(ctx), "failed to reset the emulated link")
		link = ctl
	}

	recorders := multiRecorder{&persistence.Archive{Datadir: *flagDataDir}}
	if *flagHistory != "" {
		store, err := history.Open(*flagHistory)
		rtx.Must(err, "failed to open run history")
		defer store.Close()
		recorders = append(recorders, store)
	}

	s := &sched.Scheduler{
		Driver:         driver,
		Link:           link,
		Validator:      validate.New(),
		Recorder:       recorders,
		Workers:        *flagWorkers,
		GitShortCommit: *flagCommit,
	}

	log.Info("starting matrix run", "implementations", len(impls),
		"tests", len(tests), "workers", *flagWorkers)
	matrix := s.RunMatrix(ctx, impls, tests)

	resultPath := filepath.Join(*flagOutput, "result.json")
	fp, err := os.Create(resultPath)
	rtx.Must(err, "failed to create result file")
	rtx.Must(export.Export(matrix, fp), "failed to export results")
	rtx.Must(fp.Close(), "failed to close result file")
	log.Info("matrix run finished", "results", resultPath,
		"duration", matrix.EndTime.Sub(matrix.StartTime))

	if !matrix.Clean() {
		os.Exit(1)
	}
}
