// Program pinmesh runs and pokes at pinmesh nodes: a long-running daemon
// over UDP broadcast, and one-shot commands for controlling and reading
// pins on discovered peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/pinmesh/pinmesh"
	"github.com/pinmesh/pinmesh/internal/telemetry"
	"github.com/pinmesh/pinmesh/transport"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and interact with pinmesh nodes.",

		SetFlags: command.Flags(flax.MustBind, &meshFlags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: "Run a mesh node until interrupted.",

				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "control",
				Usage: "<target> <pin> <value>",
				Help:  "Set a pin on a discovered peer and wait for confirmation.",
				Run:   runControl,
			},
			{
				Name:  "read",
				Usage: "<target> <pin>",
				Help:  "Read a pin on a discovered peer.",
				Run:   runRead,
			},
			{
				Name:  "send",
				Usage: "<target> <message>...",
				Help:  "Send a direct message to a discovered peer.",
				Run:   runSend,
			},
			{
				Name:  "decode",
				Usage: "<frame-json>",
				Help:  "Decode a raw frame payload and print its envelope.",
				Run:   runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// Flag defaults are the initial field values at bind time.
var meshFlags = struct {
	ID        string        `flag:"id,Node id (default: a random id)"`
	Listen    string        `flag:"listen,UDP listen address"`
	Broadcast string        `flag:"broadcast,UDP broadcast address"`
	Verbose   int           `flag:"v,Log verbosity (0..2)"`
	Tick      time.Duration `flag:"tick,Engine tick interval"`
	Wait      time.Duration `flag:"wait,How long one-shot commands wait for discovery and delivery"`
}{
	Listen:    ":17117",
	Broadcast: "255.255.255.255:17117",
	Tick:      50 * time.Millisecond,
	Wait:      10 * time.Second,
}

var serveFlags = struct {
	Metrics string        `flag:"metrics,Metrics HTTP address (e.g. :9090); empty disables"`
	Acks    bool          `flag:"acks,Acknowledge tracked messages"`
	Retries bool          `flag:"retries,Retry failed pin-control sends"`
	MaxTry  int           `flag:"max-retries,Retry bound per message"`
	Delay   time.Duration `flag:"retry-delay,Delay between retries"`
}{
	Acks:   true,
	MaxTry: 3,
	Delay:  500 * time.Millisecond,
}

// startNode brings up a node on the UDP transport per the shared flags.
func startNode() (*pinmesh.Node, *transport.UDP, error) {
	id := meshFlags.ID
	if id == "" {
		id = "pinmesh-" + uuid.NewString()[:8]
	}
	n := pinmesh.New(id, nil)
	n.SetLogVerbosity(meshFlags.Verbose)

	udp, err := transport.NewUDP(transport.UDPOptions{
		ListenAddr:    meshFlags.Listen,
		BroadcastAddr: meshFlags.Broadcast,
	})
	if err != nil {
		return nil, nil, err
	}
	udp.Start(n)
	n.Start(udp)
	return n, udp, nil
}

func runServe(env *command.Env) error {
	n, udp, err := startNode()
	if err != nil {
		return err
	}
	defer udp.Stop()
	defer n.Stop()

	n.SetAcknowledgements(serveFlags.Acks)
	n.SetRetries(serveFlags.Retries)
	n.SetMaxRetries(serveFlags.MaxTry)
	n.SetRetryDelay(serveFlags.Delay)
	n.OnSendStatus(func(target string, kind pinmesh.Kind, ok bool) {
		telemetry.DeliveryOutcomes.WithLabelValues(value.Cond(ok, "ok", "failed")).Inc()
	})
	n.OnPeerDiscovered(func(id string) {
		fmt.Printf("peer discovered: %s\n", id)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := taskgroup.New(nil)
	if serveFlags.Metrics != "" {
		telemetry.SetBuildInfo("dev")
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{Addr: serveFlags.Metrics, Handler: mux}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	fmt.Printf("node %s listening on %s\n", n.ID(), udp.LocalAddr())
	tick := time.NewTicker(meshFlags.Tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-tick.C:
			n.Tick()
			st := n.Status()
			telemetry.PeersKnown.Set(float64(st.Peers))
			telemetry.MessagesInFlight.Set(float64(st.InFlight))
		}
	}
}

// oneShot brings up a node, waits for target to be discovered, runs f, and
// tears the node down again.
func oneShot(target string, f func(n *pinmesh.Node) error) error {
	n, udp, err := startNode()
	if err != nil {
		return err
	}
	defer udp.Stop()
	defer n.Stop()

	if target == n.ID() {
		return fmt.Errorf("target %q is this node", target)
	}
	if err := await(n, "discovery of "+target, func() bool {
		return n.IsPeerAvailable(target)
	}); err != nil {
		return err
	}
	return f(n)
}

// await drives the node until check passes or the wait flag expires.
func await(n *pinmesh.Node, what string, check func() bool) error {
	deadline := time.Now().Add(meshFlags.Wait)
	for !check() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		n.Tick()
		time.Sleep(meshFlags.Tick)
	}
	return nil
}

func parsePin(args []string, i int) (uint8, error) {
	v, err := strconv.ParseUint(args[i], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid pin argument %q: %w", args[i], err)
	}
	return uint8(v), nil
}

func runControl(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("required: <target> <pin> <value>")
	}
	pin, err := parsePin(env.Args, 1)
	if err != nil {
		return err
	}
	val, err := parsePin(env.Args, 2)
	if err != nil {
		return err
	}
	target := env.Args[0]

	return oneShot(target, func(n *pinmesh.Node) error {
		res := make(chan bool, 1)
		status, err := n.ControlPin(target, pin, val, func(_ string, _, _ uint8, ok bool) {
			res <- ok
		})
		if err != nil {
			return err
		}
		if status == pinmesh.StatusUntracked {
			fmt.Println("sent (untracked)")
			return nil
		}
		var got, have bool
		if err := await(n, "confirmation", func() bool {
			select {
			case got = <-res:
				have = true
			default:
			}
			return have
		}); err != nil {
			return err
		}
		fmt.Printf("pin %d on %s: %s\n", pin, target, value.Cond(got, "confirmed", "failed"))
		if !got {
			return errors.New("delivery failed")
		}
		return nil
	})
}

func runRead(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required: <target> <pin>")
	}
	pin, err := parsePin(env.Args, 1)
	if err != nil {
		return err
	}
	target := env.Args[0]

	return oneShot(target, func(n *pinmesh.Node) error {
		v, err := n.ReadPinSync(target, pin)
		if err != nil {
			return err
		}
		fmt.Printf("pin %d on %s = %d\n", pin, target, v)
		return nil
	})
}

func runSend(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("required: <target> <message>...")
	}
	target, msg := env.Args[0], strings.Join(env.Args[1:], " ")

	return oneShot(target, func(n *pinmesh.Node) error {
		delivered := false
		n.OnSendStatus(func(_ string, kind pinmesh.Kind, ok bool) {
			if kind == pinmesh.KindDirectMessage && ok {
				delivered = true
			}
		})
		if _, err := n.SendDirectMessage(target, msg); err != nil {
			return err
		}
		if err := await(n, "delivery", func() bool { return delivered }); err != nil {
			return err
		}
		fmt.Println("delivered")
		return nil
	})
}

func runDecode(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("required: <frame-json>")
	}
	e, err := pinmesh.DecodeEnvelope([]byte(env.Args[0]))
	if err != nil {
		return err
	}
	fmt.Println(e.String())
	return nil
}
