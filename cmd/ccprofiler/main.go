// Command ccprofiler interposes itself between a terminal and a target
// assistant process, profiling user-perceived latency and child resource
// usage without ever capturing plaintext unless an --unsafe-* flag opts in.
// This file only parses and validates flags; internal/session does the work.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/durationx"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/logging"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/report"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/session"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ccprofiler:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "ccprofiler [options] [--] <command...>",
		Short:   "External performance profiler for an interactive terminal AI assistant",
		Version: version,
		Args:    cobra.ArbitraryArgs,
	}
	addRunFlags(root)

	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newMarkCmd())

	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [options] [--] <command...>",
		Short: "Run a command under the profiler (equivalent to invoking ccprofiler with no subcommand)",
		Args:  cobra.ArbitraryArgs,
	}
	addRunFlags(cmd)
	return cmd
}

// runFlags holds every flag in the table shared by the root command and its
// `run` alias. One instance is bound per cobra.Command so root and `run` do
// not fight over the same pflag.FlagSet.
type runFlags struct {
	output               string
	cwd                  string
	binary               string
	jsonlPath            string
	turnHotkey           string
	duration             string
	burstIdleMs          int64
	sampleIntervalMs     int64
	interactionTimeoutMs int64
	disableMCPs          bool
	correlateJSONL       bool
	unsafeStorePaths     bool
	unsafeStoreCommand   bool
	unsafeStoreErrors    bool
}

func addRunFlags(cmd *cobra.Command) {
	f := &runFlags{}
	flags := cmd.Flags()
	flags.StringVar(&f.output, "output", "", "output directory (default: auto-named cc-profiler-session-<timestamp>)")
	flags.StringVar(&f.cwd, "cwd", "", "project directory used to locate the assistant's session log (default: process cwd); the child is not started in it")
	flags.StringVar(&f.binary, "binary", "", "override the executable path; only applied when the command looks like the assistant")
	flags.StringVar(&f.jsonlPath, "jsonl-path", "", "override path for the external session log")
	flags.StringVar(&f.turnHotkey, "turn-hotkey", "alt+t", "turn-boundary hotkey: alt+t | off")
	flags.StringVar(&f.duration, "duration", "", "session duration limit (e.g. 500ms, 30s, 5m); no unit means ms")
	flags.Int64Var(&f.burstIdleMs, "burst-idle-ms", 30, "output burst idle threshold in ms")
	flags.Int64Var(&f.sampleIntervalMs, "sample-interval-ms", 100, "process sampler interval in ms")
	flags.Int64Var(&f.interactionTimeoutMs, "interaction-timeout-ms", 2000, "interaction finalize timeout in ms")
	flags.BoolVar(&f.disableMCPs, "disable-mcps", false, "run the child with mcpServers stripped from its settings")
	flags.BoolVar(&f.correlateJSONL, "correlate-jsonl", false, "correlate turns against the external session log at finalize")
	flags.BoolVar(&f.unsafeStorePaths, "unsafe-store-paths", false, "store plaintext cwd/paths instead of hashes (taints the bundle)")
	flags.BoolVar(&f.unsafeStoreCommand, "unsafe-store-command", false, "store the plaintext command instead of its hash (taints the bundle)")
	flags.BoolVar(&f.unsafeStoreErrors, "unsafe-store-errors", false, "store plaintext warning text instead of classified codes (taints the bundle)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := buildSessionConfig(f, args)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		return execRun(cmd, cfg)
	}
}

// buildSessionConfig validates every flag per the CLI's constraint table and
// resolves the final command to execute, applying --binary's substitution
// rule. All of this happens before anything is spawned: every error returned
// here is a config error per the taxonomy and must exit non-zero without
// running the session.
func buildSessionConfig(f *runFlags, args []string) (session.Config, error) {
	if len(args) == 0 {
		return session.Config{}, fmt.Errorf("missing command to profile: ccprofiler [options] [--] <command...>")
	}
	command := append([]string{}, args...)

	if f.turnHotkey != "alt+t" && f.turnHotkey != "off" {
		return session.Config{}, fmt.Errorf("--turn-hotkey: invalid value %q, want alt+t or off", f.turnHotkey)
	}

	var durationMs *int64
	if f.duration != "" {
		d, err := durationx.Parse(f.duration)
		if err != nil {
			return session.Config{}, fmt.Errorf("--duration: %w", err)
		}
		if d < 0 {
			return session.Config{}, fmt.Errorf("--duration: must be >= 0")
		}
		ms := d.Milliseconds()
		durationMs = &ms
	}
	if f.burstIdleMs < 0 {
		return session.Config{}, fmt.Errorf("--burst-idle-ms: must be >= 0")
	}
	if f.sampleIntervalMs < 1 {
		return session.Config{}, fmt.Errorf("--sample-interval-ms: must be >= 1")
	}
	if f.interactionTimeoutMs < 0 {
		return session.Config{}, fmt.Errorf("--interaction-timeout-ms: must be >= 0")
	}

	if f.binary != "" && looksLikeAssistantCommand(command) {
		info, err := os.Stat(f.binary)
		if err != nil {
			return session.Config{}, fmt.Errorf("--binary: %w", err)
		}
		if info.IsDir() {
			return session.Config{}, fmt.Errorf("--binary: %q is a directory", f.binary)
		}
		bf, err := os.Open(f.binary)
		if err != nil {
			return session.Config{}, fmt.Errorf("--binary: %q is not readable: %w", f.binary, err)
		}
		bf.Close()
		command[0] = f.binary
	}

	outputDir := f.output
	if outputDir == "" {
		outputDir = fmt.Sprintf("cc-profiler-session-%s", time.Now().UTC().Format("2006-01-02-150405"))
	}
	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return session.Config{}, fmt.Errorf("--output: %w", err)
	}

	cwd := f.cwd
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	return session.Config{
		Command:              command,
		OutputDir:            absOutputDir,
		Cwd:                  cwd,
		JSONLPath:            f.jsonlPath,
		TurnHotkeyOff:        f.turnHotkey == "off",
		DurationMs:           durationMs,
		BurstIdleMs:          f.burstIdleMs,
		SampleIntervalMs:     f.sampleIntervalMs,
		InteractionTimeoutMs: f.interactionTimeoutMs,
		DisableMCPs:          f.disableMCPs,
		CorrelateJSONL:       f.correlateJSONL,
		UnsafeStorePaths:     f.unsafeStorePaths,
		UnsafeStoreCommand:   f.unsafeStoreCommand,
		UnsafeStoreErrors:    f.unsafeStoreErrors,
	}, nil
}

func looksLikeAssistantCommand(command []string) bool {
	if len(command) == 0 {
		return false
	}
	base := filepath.Base(command[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base == "claude"
}

func execRun(cmd *cobra.Command, cfg session.Config) error {
	log := logging.New(cfg.Quiet)
	rt := session.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// A second interrupt while the child's own signal handling has the
	// foreground should still let the process exit instead of hanging
	// forever on a wedged child; the runtime installs its own handler for
	// the first interrupt; this one backstops a double Ctrl-C.
	notifyCh := make(chan os.Signal, 1)
	signal.Notify(notifyCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-notifyCh:
			<-notifyCh
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(notifyCh)

	if err := rt.Run(ctx); err != nil {
		cmd.SilenceUsage = true
		return err
	}
	return nil
}

// newReportCmd re-renders report.html from a previously captured data.json,
// refusing on a schemaVersion mismatch per the re-ingest taxonomy entry.
func newReportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report <data.json> [--out <path>]",
		Short: "Re-render report.html from a data.json bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runReport(args[0], out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for the rendered report (default: report.html next to data.json)")
	return cmd
}

func runReport(dataPath, out string) error {
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", dataPath, err)
	}

	var probe struct {
		SchemaVersion string `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", dataPath, err)
	}
	if probe.SchemaVersion != schema.CurrentSchemaVersion {
		return fmt.Errorf("%s has schemaVersion %q, this build of ccprofiler only reads %q", dataPath, probe.SchemaVersion, schema.CurrentSchemaVersion)
	}

	var data schema.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", dataPath, err)
	}

	htmlOut, err := report.Render(&data)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	if out == "" {
		out = filepath.Join(filepath.Dir(dataPath), "report.html")
	}
	if err := os.WriteFile(out, htmlOut, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Println(out)
	return nil
}

// newMarkCmd appends one line to the active session's markers.jsonl, located
// via the active-session pointer. A missing pointer means there is no
// session to mark against.
func newMarkCmd() *cobra.Command {
	var unsafePlaintextLabel bool
	cmd := &cobra.Command{
		Use:   "mark [label] [--unsafe-plaintext-label]",
		Short: "Record a marker against the currently running session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var label string
			if len(args) == 1 {
				label = args[0]
			}
			return runMark(label, unsafePlaintextLabel)
		},
	}
	cmd.Flags().BoolVar(&unsafePlaintextLabel, "unsafe-plaintext-label", false, "store the marker label as plaintext instead of a hash")
	return cmd
}

func runMark(label string, unsafePlaintextLabel bool) error {
	stateDir, err := session.DefaultStateDir()
	if err != nil {
		return err
	}
	ptr, err := session.ReadPointer(stateDir)
	if err != nil {
		return err
	}

	line := markerLine{TIso: time.Now().UTC().Format(time.RFC3339Nano)}
	if label != "" {
		if unsafePlaintextLabel {
			line.Label = label
		} else {
			line.LabelSha256 = sha256Hex(label)
		}
	}

	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	raw = append(raw, '\n')

	f, err := os.OpenFile(ptr.MarkersPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open markers file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("append marker: %w", err)
	}
	return nil
}

type markerLine struct {
	TIso        string `json:"tIso"`
	Label       string `json:"label,omitempty"`
	LabelSha256 string `json:"labelSha256,omitempty"`
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
