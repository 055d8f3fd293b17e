package netem_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quic-interop/satrunner/internal/netem"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// fakeRunner records the commands it receives and replies from a canned
// script.
type fakeRunner struct {
	commands []string
	output   string
	err      error
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	f.commands = append(f.commands, cmd)
	return f.output, f.err
}

func (f *fakeRunner) Close() error { return nil }

func TestConfigure_SatProfile(t *testing.T) {
	runner := &fakeRunner{}
	c := netem.New(runner, "eth1", "eth2")

	if err := c.Configure(context.Background(), spec.ProfileSat); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("got %d commands, want 2", len(runner.commands))
	}
	fwd := runner.commands[0]
	if !strings.Contains(fwd, "replace dev eth1") ||
		!strings.Contains(fwd, "delay 300ms") ||
		!strings.Contains(fwd, "rate 20000000bit") {
		t.Errorf("unexpected forward command: %s", fwd)
	}
	ret := runner.commands[1]
	if !strings.Contains(ret, "replace dev eth2") ||
		!strings.Contains(ret, "rate 2000000bit") {
		t.Errorf("unexpected return command: %s", ret)
	}
	if strings.Contains(fwd, "loss") {
		t.Errorf("zero loss must not be rendered: %s", fwd)
	}
}

func TestConfigure_LossProfile(t *testing.T) {
	runner := &fakeRunner{}
	c := netem.New(runner, "eth1", "eth2")

	if err := c.Configure(context.Background(), spec.ProfileSatLoss); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !strings.Contains(runner.commands[0], "loss 1%") {
		t.Errorf("loss missing from command: %s", runner.commands[0])
	}
}

func TestConfigure_BaselineResets(t *testing.T) {
	runner := &fakeRunner{}
	c := netem.New(runner, "eth1", "eth2")

	if err := c.Configure(context.Background(), spec.ProfileBaseline); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for _, cmd := range runner.commands {
		if !strings.Contains(cmd, "qdisc del") {
			t.Errorf("baseline must delete, got: %s", cmd)
		}
	}
}

func TestReset_Idempotent(t *testing.T) {
	// The second delete fails because the qdisc is already gone; that is
	// the converged baseline state, not an error.
	runner := &fakeRunner{
		output: `Error: Cannot delete qdisc with handle of zero.`,
		err:    errors.New("exit status 2"),
	}
	c := netem.New(runner, "eth1", "eth2")

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("first Reset: %v", err)
	}
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if len(runner.commands) != 4 {
		t.Errorf("got %d commands, want 4", len(runner.commands))
	}
}

func TestConfigure_Error(t *testing.T) {
	runner := &fakeRunner{output: "RTNETLINK answers: Operation not permitted",
		err: errors.New("exit status 2")}
	c := netem.New(runner, "eth1", "eth2")

	if err := c.Configure(context.Background(), spec.ProfileSat); err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestCurrent(t *testing.T) {
	runner := &fakeRunner{output: "qdisc netem 8001: root refcnt 2 limit 1000 delay 300ms\n"}
	c := netem.New(runner, "eth1", "eth2")

	out, err := c.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !strings.Contains(out, "netem") {
		t.Errorf("unexpected output: %q", out)
	}
	if runner.commands[0] != "tc qdisc show dev eth1" {
		t.Errorf("unexpected command: %s", runner.commands[0])
	}
}
