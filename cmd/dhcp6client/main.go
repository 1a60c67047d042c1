// Command dhcp6client wires a dhcp6.Manager to one real interface and
// prints whatever lease it acquires. It is not a daemon: no config
// file, no supervision, no multi-protocol glue — just enough to prove
// the engine runs against a live kernel, in the spirit of
// cmd/bpfrxd/main.go's flag/slog setup but scaled down to a single
// command-line invocation.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/dhcp6c/engine/pkg/dhcp6"
)

func main() {
	ifaceName := flag.String("interface", "", "interface name to run the DHCPv6 client on")
	infoOnly := flag.Bool("info-only", false, "run Information-Request only, no address acquisition")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *ifaceName == "" {
		fmt.Fprintln(os.Stderr, "usage: dhcp6client -interface <name>")
		os.Exit(2)
	}

	iface, err := net.InterfaceByName(*ifaceName)
	if err != nil {
		slog.Error("resolve interface", "interface", *ifaceName, "err", err)
		os.Exit(1)
	}

	m := dhcp6.NewManager()
	req := &dhcp6.Request{
		InfoOnly:    *infoOnly,
		RapidCommit: true,
	}
	if !*infoOnly {
		req.IAs = []dhcp6.IA{{Kind: dhcp6.IAKindNA}}
	}

	if err := m.Acquire(iface.Index, req); err != nil {
		slog.Error("acquire", "interface", *ifaceName, "err", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		<-ticker.C
		if lease := m.LeaseFor(iface.Index); lease != nil {
			fmt.Printf("state=%s lease=%+v\n", m.State(iface.Index), lease)
			if lease.Valid(time.Now()) {
				return
			}
		}
	}
	slog.Warn("no lease acquired within timeout", "interface", *ifaceName)
	m.StopAll()
}
