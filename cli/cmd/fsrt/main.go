// Command fsrt is the runtime's one entry point: the controller process
// that owns the graph and front-end API, and (via an internal "worker"
// dispatch) the per-node worker processes the controller spawns with
// os/exec. A front end never invokes the worker path directly; it only
// exists because worker.Launch starts new copies of this same binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/loopfield/fsrt/engine/adapters/httpapi"
	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/config"
	"github.com/loopfield/fsrt/engine/controller"
	"github.com/loopfield/fsrt/engine/frontend"
	"github.com/loopfield/fsrt/engine/telemetry/events"
	"github.com/loopfield/fsrt/engine/telemetry/hdf5sink"
	"github.com/loopfield/fsrt/engine/telemetry/logging"
	"github.com/loopfield/fsrt/engine/telemetry/metrics"
	"github.com/loopfield/fsrt/engine/worker"

	_ "github.com/loopfield/fsrt/engine/kernels/arm"
	_ "github.com/loopfield/fsrt/engine/kernels/decoder"
	_ "github.com/loopfield/fsrt/engine/kernels/geometry"
	_ "github.com/loopfield/fsrt/engine/kernels/hilbert"
	_ "github.com/loopfield/fsrt/engine/kernels/markspace"
	_ "github.com/loopfield/fsrt/engine/kernels/position"
	_ "github.com/loopfield/fsrt/engine/kernels/ripple"
	_ "github.com/loopfield/fsrt/engine/kernels/source"
	_ "github.com/loopfield/fsrt/engine/kernels/stimulator"
)

const defaultNetworkLocation = "tcp://127.0.0.1:49152"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker(os.Args[2:])
		return
	}
	runController(os.Args[1:])
}

// runController is the controller process: it loads the graph
// configuration once at startup, runs the process_items tick and the
// optional HTTP servers until interrupted, and then saves the graph back.
func runController(args []string) {
	fs := flag.NewFlagSet("fsrt", flag.ExitOnError)
	trodesConfig := fs.String("trodesConfig", "", "path to the trodes network configuration file")
	serverAddress := fs.String("serverAddress", "tcp://127.0.0.1", "trodes network location host")
	serverPort := fs.Int("serverPort", 49152, "trodes network location port")
	graphPath := fs.String("graph", "config.yaml", "path to the graph configuration file")
	logDir := fs.String("logDir", ".", "directory telemetry log files are written to")
	httpAddr := fs.String("http", "", "expose the front-end API over HTTP on this address (e.g. :8090)")
	metricsAddr := fs.String("metrics", "", "expose Prometheus metrics on this address (e.g. :9090)")
	_ = fs.Parse(args)

	networkLocation := fmt.Sprintf("%s:%d", *serverAddress, *serverPort)
	if *serverAddress == "" {
		networkLocation = defaultNetworkLocation
	}
	if *trodesConfig != "" {
		if _, err := os.Stat(*trodesConfig); err != nil {
			log.Printf("trodes config %s not found, continuing without it: %v", *trodesConfig, err)
		}
	}

	provider := metrics.NewNoopProvider()
	var promProvider *metrics.PrometheusProvider
	if *metricsAddr != "" {
		promProvider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		provider = promProvider
	}
	bus := events.NewBus(provider)
	logger := logging.New(slog.Default())

	binary, err := os.Executable()
	if err != nil {
		binary = os.Args[0]
	}

	ctrl := controller.New(binary, bus, logger)
	ctrl.SetHardwareEndpoints(map[string]string{
		"hardware":    networkLocation,
		"statescript": networkLocation,
	})

	logPath := filepath.Join(*logDir, hdf5sink.LogFileName(time.Now()))
	sink, err := hdf5sink.Open(logPath, hdf5sink.DefaultBufferSize)
	if err != nil {
		log.Fatalf("open telemetry log: %v", err)
	}
	defer sink.Close()
	ctrl.SetTelemetrySink(sink)

	graph, err := config.LoadGraph(*graphPath)
	if err != nil {
		log.Fatalf("load graph config: %v", err)
	}
	for _, n := range graph.Nodes {
		if n.Instance == "" {
			continue
		}
		if _, ok := catalog.Get(n.TypeID); !ok {
			log.Printf("skipping node %s: unknown type %q", n.Instance, n.TypeID)
			continue
		}
		if _, err := ctrl.CreateNode(n.TypeID, n.Nickname, n.Params); err != nil {
			log.Printf("restoring node %s: %v", n.Instance, err)
		}
	}

	api := frontend.New(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received, shutting down")
		cancel()
	}()

	var servers []*http.Server
	if *httpAddr != "" {
		srv := &http.Server{Addr: *httpAddr, Handler: httpapi.Mux(api)}
		servers = append(servers, srv)
		go func() {
			log.Printf("front-end API listening on %s", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("front-end API server: %v", err)
			}
		}()
	}
	if *metricsAddr != "" && promProvider != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promProvider.MetricsHandler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			api.ProcessItems()
		case <-ctx.Done():
			saved := config.FromNodeInstances(toNodeInstanceViews(api))
			if err := config.SaveGraph(*graphPath, saved); err != nil {
				log.Printf("save graph config: %v", err)
			}
			for _, srv := range servers {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				shutdownCancel()
			}
			return
		}
	}
}

// tickInterval bounds how often the controller-thread-affine
// process_items poll runs automatically in controller mode; a GUI front
// end would instead drive api.ProcessItems() from its own event loop.
const tickInterval = 20 * time.Millisecond

func toNodeInstanceViews(api *frontend.API) []config.NodeInstanceView {
	configs := api.GetSaveConfig()
	out := make([]config.NodeInstanceView, 0, len(configs))
	for _, c := range configs {
		out = append(out, config.NodeInstanceView{ID: c.ID, TypeID: c.TypeID, Nickname: c.Nickname, Params: c.Params})
	}
	return out
}

// runWorker is the internal worker-process entry point: builds the
// kernel named by -type and runs it to completion, driven entirely by
// control messages from the controller that spawned it.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	instance := fs.String("instance", "", "instance id this worker builds")
	typeID := fs.String("type", "", "catalog type id this worker builds")
	configPath := fs.String("config", "", "path to the saved graph file (currently unused; params arrive over the control link)")
	_ = fs.Parse(args)
	_ = configPath

	if *instance == "" || *typeID == "" {
		fmt.Fprintln(os.Stderr, "worker: -instance and -type are required")
		os.Exit(2)
	}

	entry, ok := catalog.Get(*typeID)
	if !ok {
		fmt.Fprintf(os.Stderr, "worker: unknown type %q\n", *typeID)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := worker.Run(ctx, entry.New(), *instance, worker.Options{}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "worker %s: %v\n", *instance, err)
		os.Exit(1)
	}
}
