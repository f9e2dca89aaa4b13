// Command oresat-node runs the node core: it binds a CAN transport, loads
// an Object Dictionary, and runs the supervisor/resource lifecycle until a
// stop signal arrives. Grounded on gocanopen's cmd/canopen/main.go (flag
// parsing shape, logrus setup, bus construction) and
// original_source/olaf/_internals/app.py (__init__'s signal handling,
// run()/stop() contract).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/filecache"
	"github.com/oresat/oresat-node-core/internal/od"
	"github.com/oresat/oresat-node-core/internal/resource"
	"github.com/oresat/oresat-node-core/internal/rlog"
	"github.com/oresat/oresat-node-core/internal/runtime"
)

const defaultNodeID = 0x7C
const defaultBitrateHz = 1_000_000

func main() {
	busName := flag.String("bus", "vcan0", "CAN interface name (-b)")
	flag.StringVar(busName, "b", "vcan0", "CAN interface name (shorthand)")
	nodeIDStr := flag.String("node-id", "0", "node id, decimal or 0x-prefixed hex; 0 resolves from file or default (-n)")
	flag.StringVar(nodeIDStr, "n", "0", "node id (shorthand)")
	edsPath := flag.String("eds", "", "EDS/DCF configuration file path (-e)")
	flag.StringVar(edsPath, "e", "", "EDS/DCF path (shorthand)")
	verbose := flag.Bool("verbose", false, "enable debug logging (-v)")
	flag.BoolVar(verbose, "v", false, "debug logging (shorthand)")
	toSyslog := flag.Bool("log", false, "route logs to the system journal (-l)")
	flag.BoolVar(toSyslog, "l", false, "route logs to syslog (shorthand)")
	mockHW := flag.String("mock-hw", "", "comma-separated mocked hardware list, or 'all' (-m)")
	flag.StringVar(mockHW, "m", "", "mock hardware (shorthand)")
	_ = flag.String("address", "", "REST listen address (collaborator, unused by this core) (-a)")
	_ = flag.String("port", "", "REST listen port (collaborator, unused by this core) (-p)")
	flag.Parse()

	log := rlog.New(0, *verbose)
	adapter := rlog.NewAdapter(log)
	if *toSyslog {
		if err := rlog.AttachSyslog(log, "oresat-node"); err != nil {
			adapter.Warn(err.Error())
		}
	}

	explicitNodeID, err := parseNodeID(*nodeIDStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -n/--node-id: %v\n", err)
		os.Exit(1)
	}

	store, nodeID, err := loadOD(*edsPath, explicitNodeID, adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log = rlog.New(nodeID, *verbose)
	adapter = rlog.NewAdapter(log)

	privileged := os.Geteuid() == 0
	mocked := parseMockList(*mockHW)

	bus, err := openBus(*busName, mocked)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: opening bus %s: %v\n", *busName, err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: connecting bus %s: %v\n", *busName, err)
		os.Exit(1)
	}

	workDir, cacheDir := filecache.Roots(privileged)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		adapter.Warn("could not create work dir", "dir", workDir, "error", err)
	}
	fread, fwrite, err := filecache.NewReadWrite(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logAdapter := rlog.NewAdapter(rlog.WithComponent(log, "runtime"))

	// rt is referenced by the sendTPDO closure below before it exists;
	// the closure is only ever invoked after Run() brings the network up,
	// by which point rt has been assigned.
	var rt *runtime.NodeRuntime
	host := resource.NewHost(fread, fwrite, func(n int, raise bool) error {
		return rt.SendTPDO(n, raise)
	})
	rt = runtime.New(runtime.Config{
		NodeID:     nodeID,
		Store:      store,
		Bus:        bus,
		Privileged: privileged,
		Bitrate:    defaultBitrateHz,
		Log:        logAdapter,
	}, host)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		s := <-sig
		log.WithField("signal", s.String()).Info("received signal, stopping")
		rt.Stop(runtime.SoftReset)
	}()

	disposition := rt.Run()
	os.Exit(int(disposition))
}

func parseNodeID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func parseMockList(s string) map[string]bool {
	out := map[string]bool{}
	if s == "" {
		return out
	}
	for _, name := range strings.Split(s, ",") {
		out[strings.TrimSpace(name)] = true
	}
	return out
}

// loadOD parses the EDS/DCF at path. On parse failure it falls back to a
// built-in default OD and warns, per spec.md §6. Node id resolution
// precedence: explicit override > value embedded in the file > default
// 0x7C (spec.md §3).
func loadOD(path string, explicit uint8, log interface {
	Warn(msg string, args ...any)
}) (*od.Store, uint8, error) {
	if path == "" {
		nodeID := explicit
		if nodeID == 0 {
			nodeID = defaultNodeID
		}
		return od.DefaultOD(nodeID), nodeID, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("could not read EDS file, falling back to default OD", "path", path, "error", err)
		nodeID := explicit
		if nodeID == 0 {
			nodeID = defaultNodeID
		}
		return od.DefaultOD(nodeID), nodeID, nil
	}

	nodeID := explicit
	if nodeID == 0 {
		if dcfNodeID, ok := od.PeekNodeID(raw); ok {
			nodeID = dcfNodeID
		} else {
			nodeID = defaultNodeID
		}
	}

	store, err := od.ParseEDS(raw, nodeID)
	if err != nil {
		log.Warn("could not parse EDS file, falling back to default OD", "path", path, "error", err)
		return od.DefaultOD(nodeID), nodeID, nil
	}
	return store, nodeID, nil
}

func openBus(name string, mocked map[string]bool) (canbus.Bus, error) {
	if mocked["all"] || mocked[name] {
		return canbus.NewVirtualBus(name)
	}
	if strings.HasPrefix(name, "tcp://") {
		return canbus.NewTCPTunnelBus(strings.TrimPrefix(name, "tcp://")), nil
	}
	return canbus.NewSocketcanBus(name)
}
