// Package schema defines every persisted entity of a profiling session —
// the data.json document, its nested config/environment/calibration blocks,
// and the event types the core components emit (TurnEvent, Interaction,
// MarkerEvent, ProcessSample, ExternalLogSizeSample, ExternalLogCorrelation).
//
// Schema version: "2" (a literal string, per spec).
package schema

// CurrentSchemaVersion is stamped into every data.json document.
const CurrentSchemaVersion = "2"

// TurnSource identifies how a turn boundary was detected.
type TurnSource string

const (
	TurnSourceEnter  TurnSource = "enter"
	TurnSourceHotkey TurnSource = "hotkey"
)

// TurnEvent marks a detected user "send" boundary. Indices are 1-based and
// strictly increasing with no gaps.
type TurnEvent struct {
	Index  int        `json:"index"`
	TMs    int64      `json:"tMs"`
	Source TurnSource `json:"source"`
}

// InteractionKind distinguishes a keystroke-coalescence window from a
// turn-scoped latency window.
type InteractionKind string

const (
	InteractionKindKeystroke InteractionKind = "keystroke"
	InteractionKindTurn      InteractionKind = "turn"
)

// EndReason records why an Interaction was finalized.
type EndReason string

const (
	EndReasonBurstIdle   EndReason = "burst_idle"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonSessionEnd  EndReason = "session_end"
	EndReasonOverlap     EndReason = "overlap"
)

// Interaction is a finalized latency observation window. T1Ms/T2Ms are
// relative to T0Ms and omitted when no output was ever observed.
type Interaction struct {
	ID         int64           `json:"id"`
	Kind       InteractionKind `json:"kind"`
	T0Ms       int64           `json:"t0Ms"`
	T1Ms       *int64          `json:"t1Ms,omitempty"`
	T2Ms       *int64          `json:"t2Ms,omitempty"`
	InputBytes int64           `json:"inputBytes"`
	OutputBytes int64          `json:"outputBytes"`
	TurnIndex  *int            `json:"turnIndex,omitempty"`
	EndReason  EndReason       `json:"endReason"`
}

// MarkerEvent is a timeline annotation from a sibling CLI `mark` invocation.
// Exactly one of Label / LabelSha256 is populated when an annotation string
// was supplied; both are empty when the marker carries only a timestamp.
type MarkerEvent struct {
	TMs         int64  `json:"tMs"`
	Label       string `json:"label,omitempty"`
	LabelSha256 string `json:"labelSha256,omitempty"`
}

// ProcessSample is a point-in-time resource snapshot of the child PID.
type ProcessSample struct {
	TMs     int64   `json:"tMs"`
	PID     int     `json:"pid"`
	RSSBytes *int64 `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`

	// Linux-only extras; all omitted on platforms where the extras probe
	// is unavailable.
	MinorFaults      *int64 `json:"minorFaults,omitempty"`
	MajorFaults      *int64 `json:"majorFaults,omitempty"`
	VoluntaryCtxSw   *int64 `json:"voluntaryCtxSwitches,omitempty"`
	InvoluntaryCtxSw *int64 `json:"involuntaryCtxSwitches,omitempty"`
	OpenFDs          *int   `json:"openFds,omitempty"`
	Threads          *int   `json:"threads,omitempty"`

	Error string `json:"error,omitempty"`
}

// ExternalLogSizeSample records the size of the selected external log at a
// turn boundary.
type ExternalLogSizeSample struct {
	TurnIndex int   `json:"turnIndex"`
	TMs       int64 `json:"tMs"`
	SizeBytes int64 `json:"sizeBytes"`
}

// CorrelationMode records which mapping strategy the correlator used.
type CorrelationMode string

const (
	CorrelationModeTimestamps CorrelationMode = "timestamps"
	CorrelationModeSequential CorrelationMode = "sequential"
	CorrelationModeNone       CorrelationMode = "none"
)

// TurnCorrelation is the per-turn aggregate the correlator produces.
type TurnCorrelation struct {
	TurnIndex       int      `json:"turnIndex"`
	RecordCount     int      `json:"recordCount"`
	RecordBytes     int64    `json:"recordBytes"`
	ToolUseCount    int      `json:"toolUseCount"`
	ToolUseNames    []string `json:"toolUseNames,omitempty"`
	InputTokenCount  *int64  `json:"inputTokenCount,omitempty"`
	OutputTokenCount *int64  `json:"outputTokenCount,omitempty"`
}

// ExternalLogCorrelation is the post-hoc, opt-in per-turn aggregate produced
// after the session ends.
type ExternalLogCorrelation struct {
	Mode        CorrelationMode   `json:"mode"`
	ParsedLines int               `json:"parsedLines"`
	ParseErrors int               `json:"parseErrors"`
	PerTurn     []TurnCorrelation `json:"perTurn"`
	Notes       []string          `json:"notes,omitempty"`
}

// Config mirrors the validated CLI configuration that produced this session.
type Config struct {
	Command             []string `json:"command"`
	CommandSha256       string   `json:"commandSha256,omitempty"`
	OutputDir           string   `json:"outputDir"`
	Cwd                 string   `json:"cwd,omitempty"`
	CwdSha256           string   `json:"cwdSha256,omitempty"`
	TurnHotkey          string   `json:"turnHotkey"`
	DurationMs          *int64   `json:"durationMs,omitempty"`
	BurstIdleMs         int64    `json:"burstIdleMs"`
	SampleIntervalMs    int64    `json:"sampleIntervalMs"`
	InteractionTimeoutMs int64   `json:"interactionTimeoutMs"`
	DisableMCPs         bool     `json:"disableMcps"`
	CorrelateJSONL      bool     `json:"correlateJsonl"`
	UnsafeStorePaths    bool     `json:"unsafeStorePaths"`
	UnsafeStoreCommand  bool     `json:"unsafeStoreCommand"`
	UnsafeStoreErrors   bool     `json:"unsafeStoreErrors"`
}

// Environment captures host/terminal/capability metadata discovered once at
// session start (internal/environment).
type Environment struct {
	OS            string            `json:"os"`
	Arch          string            `json:"arch"`
	NumCPU        int               `json:"numCpu"`
	Term          string            `json:"term,omitempty"`
	TermProgram   string            `json:"termProgram,omitempty"`
	ColorTerm     string            `json:"colorTerm,omitempty"`
	KernelVersion string            `json:"kernelVersion,omitempty"`
	BPFCapabilities map[string]bool `json:"bpfCapabilities,omitempty"`
	BPFCapabilityTier int           `json:"bpfCapabilityTier,omitempty"`
}

// Calibration captures the profiler's own resource overhead during the
// session (internal/calibration) — best-effort, never fatal.
type Calibration struct {
	SelfPID         int   `json:"selfPid"`
	CPUUserMs       int64 `json:"cpuUserMs"`
	CPUSystemMs     int64 `json:"cpuSystemMs"`
	MemoryRSSBytes  int64 `json:"memoryRssBytes"`
	ContextSwitches int64 `json:"contextSwitches"`
}

// JSONLTracking records external-log selection/sampling/correlation state.
type JSONLTracking struct {
	SelectedPath       string                   `json:"selectedPath,omitempty"`
	SelectedPathSha256 string                   `json:"selectedPathSha256,omitempty"`
	SelectionMode      string                   `json:"selectionMode,omitempty"` // "override" | "no_read" | "content_aware"
	Sizes              []ExternalLogSizeSample  `json:"sizes,omitempty"`
	Correlation        *ExternalLogCorrelation  `json:"correlation,omitempty"`
}

// SessionData is the single persisted bundle, schema-versioned and written
// exactly once at finalize. The Session Runtime is its single writer.
type SessionData struct {
	SchemaVersion string        `json:"schemaVersion"`
	SessionID     string        `json:"sessionId"`
	CreatedAtIso  string        `json:"createdAtIso"`
	StartedAtIso  string        `json:"startedAtIso"`
	EndedAtIso    string        `json:"endedAtIso,omitempty"`
	Config        Config        `json:"config"`
	Environment   Environment   `json:"environment"`
	Calibration   Calibration   `json:"calibration"`
	JSONL         JSONLTracking `json:"jsonl"`
	Turns         []TurnEvent     `json:"turns"`
	Interactions  []Interaction   `json:"interactions"`
	Markers       []MarkerEvent   `json:"markers"`
	Samples       []ProcessSample `json:"samples"`
	Warnings      []string        `json:"warnings"`
}

// New creates an empty SessionData stamped with the current schema version.
func New(sessionID string, cfg Config, createdAtIso, startedAtIso string) *SessionData {
	return &SessionData{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     sessionID,
		CreatedAtIso:  createdAtIso,
		StartedAtIso:  startedAtIso,
		Config:        cfg,
		Turns:         []TurnEvent{},
		Interactions:  []Interaction{},
		Markers:       []MarkerEvent{},
		Samples:       []ProcessSample{},
		Warnings:      []string{},
	}
}
