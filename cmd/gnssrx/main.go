package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gnssrx/internal/config"
	"gnssrx/internal/gps"
	"gnssrx/internal/web"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type runFlags struct {
	configPath string
	port       string
	baud       int
	parser     string
	quiet      bool
}

type replayFlags struct {
	parser    string
	utcSource string
	speed     float64
	fast      bool
	quiet     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gnssrx",
		Short: "GNSS receiver driver (NMEA / NovAtel OEM6) with RTK correction forwarding",
		Long: `gnssrx reads a GNSS receiver over a serial port, decodes NMEA sentences or
NovAtel OEM6 binary logs into one observation, and can forward RTK corrections
(from a serial port or an NTRIP caster) to a JAVAD receiver in AIM mode.`,
		SilenceUsage: true,
	}

	var rf runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the receiver driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriver(cmd.Context(), rf)
		},
	}
	runCmd.Flags().StringVarP(&rf.configPath, "config", "c", "", "Path to YAML config (defaults apply when empty)")
	runCmd.Flags().StringVarP(&rf.port, "port", "p", "", "Receiver serial port (overrides device.port; auto-detect if neither is set)")
	runCmd.Flags().IntVarP(&rf.baud, "baud", "b", 0, "Baud rate (overrides device.baud)")
	runCmd.Flags().StringVar(&rf.parser, "parser", "", "NMEA or NOVATEL_OEM6 (overrides parser)")
	runCmd.Flags().BoolVarP(&rf.quiet, "quiet", "q", false, "Keep logs off stderr (still served at /api/logs)")

	var pf replayFlags
	replayCmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Decode a raw or timed capture offline",
		Long: `Feed a capture written by raw_dump (raw bytes or the timed START/<t_ns>,<hex>
format) through a session and print each new observation as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), args[0], pf, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	replayCmd.Flags().StringVar(&pf.parser, "parser", "NMEA", "NMEA or NOVATEL_OEM6")
	replayCmd.Flags().StringVar(&pf.utcSource, "utc-source", "", "Only this message family sets UTC time/date")
	replayCmd.Flags().Float64Var(&pf.speed, "speed", 1, "Playback speed for timed captures")
	replayCmd.Flags().BoolVar(&pf.fast, "fast", false, "Ignore capture timing")
	replayCmd.Flags().BoolVarP(&pf.quiet, "quiet", "q", false, "No progress bar or summary")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPorts(cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gnssrx %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}

	var sf simulateFlags
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Emit NMEA from a simulated rover",
		Long: `Write GGA and RMC sentences for a rover moving on a figure-eight to a serial
port, a file or stdout. Useful for exercising "run" without a receiver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSimulate(ctx, sf, nil, cmd.OutOrStdout())
		},
	}
	simulateCmd.Flags().StringVarP(&sf.port, "port", "p", "", "Serial port to write to")
	simulateCmd.Flags().IntVarP(&sf.baud, "baud", "b", 4800, "Baud rate for --port")
	simulateCmd.Flags().StringVarP(&sf.out, "out", "o", "", "File to write to (stdout when neither --port nor --out is set)")
	simulateCmd.Flags().BoolVar(&sf.timed, "timed", false, "Write a timed capture instead of raw NMEA")
	simulateCmd.Flags().BoolVar(&sf.fast, "fast", false, "Do not pace epochs in real time")
	simulateCmd.Flags().DurationVar(&sf.interval, "interval", time.Second, "Time between epochs")
	simulateCmd.Flags().IntVarP(&sf.count, "count", "n", 0, "Number of epochs (0 runs until interrupted)")
	simulateCmd.Flags().Float64Var(&sf.lat, "lat", 45.0, "Center latitude in degrees")
	simulateCmd.Flags().Float64Var(&sf.lon, "lon", -122.0, "Center longitude in degrees")
	simulateCmd.Flags().Float64Var(&sf.alt, "alt", 100, "Altitude MSL in meters")
	simulateCmd.Flags().Float64Var(&sf.radius, "radius", 500, "Track radius in meters")
	simulateCmd.Flags().DurationVar(&sf.period, "period", 120*time.Second, "Time for one figure-eight")
	simulateCmd.Flags().IntVar(&sf.sats, "satellites", 8, "Satellites reported in GGA")
	simulateCmd.Flags().BoolVar(&sf.noFix, "no-fix", false, "Report no fix")

	rootCmd.AddCommand(runCmd, replayCmd, simulateCmd, portsCmd, versionCmd)
	return rootCmd
}

// loadRunConfig reads the config file (if any) and applies flag overrides.
func loadRunConfig(f runFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = c
	}
	if f.port != "" {
		cfg.Device.Port = f.port
	}
	if f.baud < 0 {
		return config.Config{}, fmt.Errorf("--baud must be > 0")
	}
	if f.baud > 0 {
		cfg.Device.Baud = f.baud
	}
	if f.parser != "" {
		mode, err := gps.ParseParserMode(f.parser)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Parser = mode.String()
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func runDriver(parent context.Context, f runFlags) error {
	cfg, err := loadRunConfig(f)
	if err != nil {
		return err
	}

	logs := web.NewLogBuffer(2000)
	if f.quiet {
		log.SetOutput(logs)
	} else {
		log.SetOutput(io.MultiWriter(os.Stderr, logs))
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("gnssrx %s starting", version)
	status := web.NewStatus()
	rt, err := newLiveRuntime(ctx, cfg, nil, status)
	if err != nil {
		return err
	}

	if cfg.Web.Enable {
		go func() {
			log.Printf("web listening on %s", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, status, web.SettingsStore{ConfigPath: f.configPath}, logs, rt.hub); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("gnssrx stopping")
	rt.Close()
	return nil
}

func listPorts(out io.Writer) error {
	ports, err := gps.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	guess := gps.AutoDetectDevice()
	for _, p := range ports {
		if p == guess {
			fmt.Fprintf(out, "%s (auto-detect)\n", p)
			continue
		}
		fmt.Fprintln(out, p)
	}
	return nil
}
