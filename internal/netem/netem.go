// Package netem configures the emulated link on the remote network
// simulation node. The node shapes a virtual link between two interfaces;
// this package only issues tc commands to it over SSH, it does not implement
// the traffic shaping itself.
package netem

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a shell command on the emulation node and returns
// its combined output. It is an interface so tests can run against a fake.
type CommandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Controller applies and resets link profiles on the emulation node.
// Configure and Reset are idempotent; the remote link state is a single
// shared resource and callers must serialize access to it.
type Controller struct {
	runner CommandRunner

	// ForwardDev is the interface facing the client (server to client
	// traffic leaves through it), ReturnDev the one facing the server.
	ForwardDev string
	ReturnDev  string
}

// New returns a Controller using the given runner and interface names.
func New(runner CommandRunner, forwardDev, returnDev string) *Controller {
	return &Controller{runner: runner, ForwardDev: forwardDev, ReturnDev: returnDev}
}

// netemArgs renders the netem parameters for one direction. Rate, delay and
// loss are only included when set, so the baseline renders empty.
func netemArgs(bandwidth int64, delay time.Duration, lossPercent float64) string {
	var parts []string
	if delay > 0 {
		parts = append(parts, fmt.Sprintf("delay %dms", delay.Milliseconds()))
	}
	if lossPercent > 0 {
		parts = append(parts, fmt.Sprintf("loss %g%%", lossPercent))
	}
	if bandwidth > 0 {
		parts = append(parts, fmt.Sprintf("rate %dbit", bandwidth))
	}
	return strings.Join(parts, " ")
}

// Configure applies the profile to both directions of the link. Repeated
// calls with the same profile converge to the same qdisc state because tc
// replace is used rather than add.
func (c *Controller) Configure(ctx context.Context, profile spec.LinkProfile) error {
	if !profile.Shaped() {
		return c.Reset(ctx)
	}
	dirs := []struct {
		dev  string
		args string
	}{
		{c.ForwardDev, netemArgs(profile.ForwardBandwidth, profile.Delay, profile.LossPercent)},
		{c.ReturnDev, netemArgs(profile.ReturnBandwidth, profile.Delay, profile.LossPercent)},
	}
	for _, d := range dirs {
		cmd := fmt.Sprintf("tc qdisc replace dev %s root netem %s", d.dev, d.args)
		out, err := c.runner.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("configuring %s: %w (%s)", d.dev, err, strings.TrimSpace(out))
		}
	}
	log.Debug("link configured", "profile", profile.Name)
	return nil
}

// Reset restores the unconstrained baseline link. Deleting an absent root
// qdisc is not an error: the link is already in the baseline state.
func (c *Controller) Reset(ctx context.Context) error {
	for _, dev := range []string{c.ForwardDev, c.ReturnDev} {
		cmd := fmt.Sprintf("tc qdisc del dev %s root", dev)
		out, err := c.runner.Run(ctx, cmd)
		if err != nil && !qdiscAlreadyAbsent(out) {
			return fmt.Errorf("resetting %s: %w (%s)", dev, err, strings.TrimSpace(out))
		}
	}
	log.Debug("link reset to baseline")
	return nil
}

// Current returns the qdisc configuration of the forward interface, for
// diagnostics and the query part of the remote-control contract.
func (c *Controller) Current(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "tc qdisc show dev "+c.ForwardDev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Close releases the control channel.
func (c *Controller) Close() error {
	return c.runner.Close()
}

// Noop is a Controller stand-in for setups without an emulation node, e.g.
// local development. Shaped profiles are reported once and ignored.
type Noop struct{ warned bool }

func (n *Noop) Configure(_ context.Context, profile spec.LinkProfile) error {
	if profile.Shaped() && !n.warned {
		n.warned = true
		log.Warn("no emulation node configured, running with an unshaped link",
			"profile", profile.Name)
	}
	return nil
}

func (n *Noop) Reset(context.Context) error { return nil }

func qdiscAlreadyAbsent(out string) bool {
	// iproute2 phrasing varies by version.
	return strings.Contains(out, "Cannot delete qdisc with handle of zero") ||
		strings.Contains(out, "No such file or directory") ||
		strings.Contains(out, "Invalid handle")
}

// sshRunner runs commands over a persistent SSH connection, one session per
// command.
type sshRunner struct {
	client *ssh.Client
}

// DialSSH connects to the emulation node. The private key is read from
// keyFile. Host keys are not verified: the node lives on a closed testbed
// network.
func DialSSH(addr, user, keyFile string) (CommandRunner, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dialing emulation node: %w", err)
	}
	return &sshRunner{client: client}, nil
}

func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		// Closing the session unblocks CombinedOutput.
		session.Close()
		return "", ctx.Err()
	case res := <-done:
		return string(res.out), res.err
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
