package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/trajectory.recorder/internal/config"
	"github.com/banshee-data/trajectory.recorder/internal/db"
	"github.com/banshee-data/trajectory.recorder/internal/recorder"
	"github.com/banshee-data/trajectory.recorder/internal/serialmux"
	"github.com/banshee-data/trajectory.recorder/internal/version"
)

// options holds the parsed command line.
type options struct {
	configPath   string
	listen       string
	dbPath       string
	port         string
	baud         int
	udpListen    string
	pcapFile     string
	pcapPort     int
	pcapSpeed    float64
	mock         bool
	mockInterval time.Duration
	disableInput bool
	showVersion  bool

	// overrides carries only the config flags that were set explicitly.
	overrides *config.RecorderConfig
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{overrides: config.EmptyRecorderConfig()}

	fs.StringVar(&o.configPath, "config", "", "Path to a JSON recorder config (optional)")
	fs.StringVar(&o.listen, "listen", ":8080", "Listen address for the debug HTTP server (empty disables)")
	fs.StringVar(&o.dbPath, "db-path", "trajectory_recorder.db", "Path to the sqlite run log (empty disables)")
	fs.StringVar(&o.port, "port", "/dev/ttyUSB0", "Serial port carrying wheel commands")
	fs.IntVar(&o.baud, "baud", serialmux.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&o.udpListen, "udp-listen", "", "Read wheel commands from UDP datagrams on this address instead of the serial port")
	fs.StringVar(&o.pcapFile, "pcap", "", "Replay wheel commands from a pcap/pcapng capture")
	fs.IntVar(&o.pcapPort, "pcap-port", 9870, "UDP destination port to replay from the capture")
	fs.Float64Var(&o.pcapSpeed, "pcap-speed", 1, "Replay speed multiplier (0 replays as fast as possible)")
	fs.BoolVar(&o.mock, "mock", false, "Generate mock wheel commands")
	fs.DurationVar(&o.mockInterval, "mock-interval", 100*time.Millisecond, "Interval between mock wheel commands")
	fs.BoolVar(&o.disableInput, "disable-input", false, "Run without any wheel command input")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")

	vehName := fs.String("veh-name", config.DefaultVehName, "Vehicle name")
	fiFile := fs.String("fi-file", config.DefaultFIFile, "Path the FI matrix is written to at shutdown")
	thetaFn := fs.String("fi-theta-dot-function", "", "Basis function for the theta_dot row")
	vFn := fs.String("fi-v-function", "", "Basis function for the v row")
	snapshot := fs.Duration("snapshot-interval", config.DefaultSnapshotInterval, "Interval between FI snapshots (0 disables)")
	recordCmds := fs.Bool("record-commands", true, "Store every received wheel command in the run log")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "veh-name":
			o.overrides.VehName = vehName
		case "fi-file":
			o.overrides.FIFile = fiFile
		case "fi-theta-dot-function":
			o.overrides.ThetaDotFunction = thetaFn
		case "fi-v-function":
			o.overrides.VFunction = vFn
		case "snapshot-interval":
			s := snapshot.String()
			o.overrides.SnapshotInterval = &s
		case "record-commands":
			o.overrides.RecordCommands = recordCmds
		}
	})
	return o, nil
}

// recorderConfig layers defaults, the config file and explicit flags.
func (o *options) recorderConfig() (*config.RecorderConfig, error) {
	cfg := config.DefaultRecorderConfig()
	if o.configPath != "" {
		fileCfg, err := config.LoadRecorderConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(fileCfg)
	}
	cfg.Merge(o.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openInput selects the wheel command source. At most one of --disable-input,
// --mock, --pcap and --udp-listen may be given; otherwise the serial port is
// opened.
func (o *options) openInput() (serialmux.SerialMuxInterface, error) {
	selected := 0
	for _, on := range []bool{o.disableInput, o.mock, o.pcapFile != "", o.udpListen != ""} {
		if on {
			selected++
		}
	}
	if selected > 1 {
		return nil, errors.New("only one of --disable-input, --mock, --pcap and --udp-listen may be set")
	}

	switch {
	case o.disableInput:
		return serialmux.NewDisabledSerialMux(), nil
	case o.mock:
		return serialmux.NewMockSerialMux(serialmux.DefaultMockCommands, o.mockInterval, nil), nil
	case o.pcapFile != "":
		return serialmux.NewPcapReplayMux(o.pcapFile, o.pcapPort, o.pcapSpeed, nil)
	case o.udpListen != "":
		return serialmux.NewUDPSerialMux(o.udpListen)
	default:
		if o.port == "" {
			return nil, errors.New("serial port is required")
		}
		return serialmux.NewRealSerialMux(o.port, serialmux.PortOptions{BaudRate: o.baud})
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "trajectory-recorder %s\n", version.String())
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	if opts.showVersion {
		printVersion(os.Stdout)
		return
	}

	cfg, err := opts.recorderConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run records until ctx is done or the input ends, then persists the FI
// matrix.
func run(ctx context.Context, opts *options, cfg *config.RecorderConfig) error {
	input, err := opts.openInput()
	if err != nil {
		return fmt.Errorf("failed to open wheel command input: %w", err)
	}
	defer input.Close()

	var store *db.DB
	if opts.dbPath != "" {
		store, err = db.NewDB(opts.dbPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()
	}

	var rec *recorder.Recorder
	if store != nil {
		rec, err = recorder.New(cfg, store)
	} else {
		rec, err = recorder.New(cfg, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to start recorder: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// subscribe before Monitor starts so the first commands are not lost
	subID, lines := input.Subscribe()
	defer input.Unsubscribe(subID)

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the input; at the end of the
	// input it closes lines
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := input.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor input: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Consume(ctx, lines); err != nil {
			log.Printf("recorder stopped: %v", err)
		}
		// an exhausted input (end of a capture replay) ends the node too
		stop()
		log.Print("recorder routine terminated")
	}()

	if opts.listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			input.AttachAdminRoutes(mux)
			rec.AttachAdminRoutes(mux)
			if store != nil {
				store.AttachAdminRoutes(mux)
			}

			server := &http.Server{
				Addr:    opts.listen,
				Handler: mux,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("failed to start server: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()

	if err := rec.Shutdown(); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
