package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/ingest"
	"github.com/breeze-rmm/viewer/internal/logging"
)

var (
	version    = "0.1.0"
	cfgFile    string
	sourceURL  string
	offerFile  string
	saveCfg    bool
	replayFast bool
	replayLoop bool
	recordFor  time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "breeze-viewer",
	Short:        "Breeze Remote Viewer",
	Long:         `Breeze Viewer - hardware-decoded remote desktop video with zero-copy GPU presentation`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Receive, decode and render the configured stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig(nil)
		if err != nil {
			return err
		}
		defer closeLog.Close()
		return runViewer(cfg)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Play a recorded capture through the decode pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig(func(c *config.Config) {
			c.Source = "file"
			c.SourceURL = args[0]
		})
		if err != nil {
			return err
		}
		defer closeLog.Close()

		src := ingest.NewFileSource(args[0], ingest.FileOptions{Realtime: !replayFast, Loop: replayLoop})
		return runPipeline(cfg, src)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Answer a WebRTC offer and render the received track",
	Long: `Reads an SDP offer from --offer (or stdin), prints the SDP answer to stdout
and then decodes the negotiated H.264 track until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig(func(c *config.Config) {
			c.Source = "webrtc"
		})
		if err != nil {
			return err
		}
		defer closeLog.Close()
		return runViewer(cfg)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <capture-file>",
	Short: "Record the configured stream to a capture file for replay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig(nil)
		if err != nil {
			return err
		}
		defer closeLog.Close()
		return recordStream(cfg, args[0], recordFor)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cfg)
		result := cfg.ValidateTiered()

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %v\n", w)
		}
		if result.HasFatals() {
			return result.Err()
		}
		if saveCfg {
			if err := config.SaveTo(cfg, cfgFile); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintln(os.Stderr, "configuration saved")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Viewer v%s (platforms: %s)\n", version, strings.Join(decode.Platforms(), ", "))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/viewer.yaml)")
	rootCmd.PersistentFlags().StringVar(&sourceURL, "url", "", "stream URL or host:port, overrides source_url")

	answerCmd.Flags().StringVar(&offerFile, "offer", "-", "file holding the SDP offer, - for stdin")
	runCmd.Flags().StringVar(&offerFile, "offer", "-", "SDP offer file when source is webrtc, - for stdin")
	replayCmd.Flags().BoolVar(&replayFast, "fast", false, "ignore recorded timestamps and replay as fast as possible")
	replayCmd.Flags().BoolVar(&replayLoop, "loop", false, "restart at end of file")
	recordCmd.Flags().DurationVar(&recordFor, "duration", 0, "stop recording after this long (0 = until interrupted)")
	configCmd.Flags().BoolVar(&saveCfg, "save", false, "write the effective configuration back to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if sourceURL != "" {
		cfg.SourceURL = sourceURL
	}
}

// loadConfig loads, overrides and validates the config and initializes
// logging. The returned closer flushes the log file.
func loadConfig(override func(*config.Config)) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)
	if override != nil {
		override(cfg)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, nil, fmt.Errorf("invalid config: %w", result.Err())
	}

	out, closer, err := logging.OpenOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runViewer(cfg *config.Config) error {
	src, err := ingest.New(cfg)
	if err != nil {
		return err
	}
	if rtc, ok := src.(*ingest.RTCReceiver); ok {
		if err := negotiate(rtc); err != nil {
			rtc.Close()
			return err
		}
	}
	return runPipeline(cfg, src)
}

func runPipeline(cfg *config.Config, src ingest.Source) error {
	p, err := newPipeline(cfg, src)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	log.Info("starting Breeze Viewer", "version", version, "source", src.Name(), "url", cfg.SourceURL)
	return p.run(ctx)
}

// negotiate reads the remote offer and prints the answer on stdout.
func negotiate(rtc *ingest.RTCReceiver) error {
	var offer []byte
	var err error
	if offerFile == "" || offerFile == "-" {
		offer, err = io.ReadAll(os.Stdin)
	} else {
		offer, err = os.ReadFile(offerFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read offer: %w", err)
	}
	if len(strings.TrimSpace(string(offer))) == 0 {
		return errors.New("empty SDP offer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	answer, err := rtc.Answer(ctx, string(offer))
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}
