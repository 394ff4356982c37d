// Package extlog implements the External-Log Tracker: selection of an
// append-only conversation-log file the target process is writing, and
// per-turn size sampling of the selected path. Grounded on melisai's
// orchestrator/collector "walk candidates, score, pick best" shape, adapted
// from collector-registry priority to filesystem-candidate scoring.
package extlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitriimaksimovdevelop/ccprofiler/internal/schema"
)

const (
	maxEntries         = 15000
	noReadMaxDepth     = 6
	projectDirMaxDepth = 2
	recentCandidates   = 25
	maxReadBytes       = 512 * 1024
	maxRecordsScored   = 2000
	startedAtSlackMs   = 10_000
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Config configures selection.
type Config struct {
	OverridePath           string
	Cwd                    string
	ProjectsRoot           string // default: <home>/.claude/projects
	AllowReadForSelection  bool
	StartedAtMsEpoch       int64
}

// Tracker selects and samples an external conversation log.
type Tracker struct {
	cfg Config

	selectedPath string // never persisted directly; only its SHA-256 is
	selectionMode string
}

// New constructs a Tracker, filling ProjectsRoot with the default when empty.
func New(cfg Config) *Tracker {
	if cfg.ProjectsRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.ProjectsRoot = filepath.Join(home, ".claude", "projects")
		}
	}
	return &Tracker{cfg: cfg}
}

// SelectedPathSha256 returns the hex SHA-256 of the currently selected path,
// or "" if nothing is selected.
func (t *Tracker) SelectedPathSha256() string {
	if t.selectedPath == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(t.selectedPath))
	return hex.EncodeToString(sum[:])
}

// SelectionMode reports which strategy produced the current selection:
// "override", "no_read", or "content_aware".
func (t *Tracker) SelectionMode() string { return t.selectionMode }

// Ensure selects a path if none is currently selected, or if the previously
// selected path has disappeared. Call this lazily, e.g. once per turn before
// Sample.
func (t *Tracker) Ensure() {
	if t.selectedPath != "" {
		if _, err := os.Stat(t.selectedPath); err == nil {
			return
		}
		t.selectedPath = ""
		t.selectionMode = ""
	}
	t.selectedPath, t.selectionMode = t.selectPath()
}

// Sample stats the selected path and returns a size sample. ok is false if
// nothing is selected or the stat fails.
func (t *Tracker) Sample(turnIndex int, tMs int64) (schema.ExternalLogSizeSample, bool) {
	t.Ensure()
	if t.selectedPath == "" {
		return schema.ExternalLogSizeSample{}, false
	}
	info, err := os.Stat(t.selectedPath)
	if err != nil {
		return schema.ExternalLogSizeSample{}, false
	}
	return schema.ExternalLogSizeSample{TurnIndex: turnIndex, TMs: tMs, SizeBytes: info.Size()}, true
}

// SelectedPath exposes the raw path for the correlator, which runs in the
// same process after the session has ended and needs to actually read the
// file; it is never itself persisted into SessionData.
func (t *Tracker) SelectedPath() string {
	t.Ensure()
	return t.selectedPath
}

func (t *Tracker) selectPath() (string, string) {
	if t.cfg.OverridePath != "" {
		resolved, err := filepath.Abs(t.cfg.OverridePath)
		if err == nil {
			if _, err := os.Stat(resolved); err == nil {
				return resolved, "override"
			}
		}
		return "", ""
	}

	root, depth := t.resolveRoot()
	candidates := scanCandidates(root, depth, t.cfg.StartedAtMsEpoch-startedAtSlackMs)
	if len(candidates) == 0 {
		return "", ""
	}

	if !t.cfg.AllowReadForSelection {
		return pickLargest(candidates), "no_read"
	}

	scored := scoreCandidates(candidates, t.cfg.StartedAtMsEpoch)
	if best, ok := pickBestScored(scored); ok {
		return best, "content_aware"
	}
	return pickLargest(candidates), "no_read"
}

func (t *Tracker) resolveRoot() (string, int) {
	root := t.cfg.ProjectsRoot
	if t.cfg.Cwd != "" {
		abs, err := filepath.Abs(t.cfg.Cwd)
		if err == nil {
			projectDir := nonAlnum.ReplaceAllString(abs, "-")
			candidate := filepath.Join(t.cfg.ProjectsRoot, projectDir)
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate, projectDirMaxDepth
			}
		}
	}
	return root, noReadMaxDepth
}

type candidate struct {
	path    string
	size    int64
	modTime time.Time
}

// scanCandidates performs a breadth-first walk bounded by maxDepth and
// maxEntries, collecting *.jsonl files modified at or after minModTimeMsEpoch
// (an epoch-ms cutoff).
func scanCandidates(root string, maxDepth int, minModTimeMsEpoch int64) []candidate {
	if root == "" {
		return nil
	}
	type queued struct {
		path  string
		depth int
	}

	var out []candidate
	visited := 0
	queue := []queued{{path: root, depth: 0}}

	for len(queue) > 0 && visited < maxEntries {
		cur := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(cur.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			visited++
			if visited >= maxEntries {
				break
			}
			full := filepath.Join(cur.path, entry.Name())
			if entry.IsDir() {
				if cur.depth+1 <= maxDepth {
					queue = append(queue, queued{path: full, depth: cur.depth + 1})
				}
				continue
			}
			if !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().UnixMilli() < minModTimeMsEpoch {
				continue
			}
			out = append(out, candidate{path: full, size: info.Size(), modTime: info.ModTime()})
		}
	}
	return out
}

func pickLargest(candidates []candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.size > best.size || (c.size == best.size && c.modTime.After(best.modTime)) {
			best = c
		}
	}
	return best.path
}

type scoredCandidate struct {
	path  string
	score int64
	size  int64
}

func scoreCandidates(candidates []candidate, startedAtMsEpoch int64) []scoredCandidate {
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].modTime.After(sorted[j].modTime) })
	if len(sorted) > recentCandidates {
		sorted = sorted[:recentCandidates]
	}

	var scored []scoredCandidate
	for _, c := range sorted {
		score := scoreCandidate(c, startedAtMsEpoch)
		scored = append(scored, scoredCandidate{path: c.path, score: score, size: c.size})
	}
	return scored
}

func scoreCandidate(c candidate, startedAtMsEpoch int64) int64 {
	data, offset, err := readTail(c.path, maxReadBytes)
	if err != nil {
		return 0
	}

	lines := strings.Split(string(data), "\n")
	// Drop a leading partial line if we didn't start from byte 0.
	startIdx := 0
	if offset > 0 && len(lines) > 1 {
		startIdx = 1
	}

	var userCount, assistantCount, timestampedCount, parsedCount int64
	hasTimestamp := false
	hasRecentTimestamp := false

	for i := startIdx; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if parsedCount >= maxRecordsScored {
			break
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		parsedCount++

		role := extractRole(rec)
		switch role {
		case "user":
			userCount++
		case "assistant":
			assistantCount++
		}

		if ms, ok := extractTimestampMs(rec); ok {
			hasTimestamp = true
			timestampedCount++
			if ms >= startedAtMsEpoch-startedAtSlackMs {
				hasRecentTimestamp = true
			}
		}
	}

	var score int64
	if userCount > 0 {
		score += 1_000_000
	}
	if assistantCount > 0 {
		score += 500_000
	}
	if hasTimestamp {
		score += 100_000
	}
	if hasRecentTimestamp {
		score += 200_000
	}
	score += capped(userCount, 500) * 10_000
	score += capped(assistantCount, 500) * 5_000
	score += capped(timestampedCount, 5000) * 10
	score += capped(parsedCount, 2000) * 1
	score += capped(c.size/1024, 50_000) * 1

	return score
}

func capped(v, cap int64) int64 {
	if v > cap {
		return cap
	}
	return v
}

func pickBestScored(scored []scoredCandidate) (string, bool) {
	if len(scored) == 0 {
		return "", false
	}
	best := scored[0]
	allZero := best.score == 0
	for _, s := range scored[1:] {
		if s.score > best.score || (s.score == best.score && s.size > best.size) {
			best = s
		}
		if s.score != 0 {
			allZero = false
		}
	}
	if allZero {
		return "", false
	}
	return best.path, true
}

// readTail returns at most the last maxBytes bytes of path and the file
// offset the returned bytes start at.
func readTail(path string, maxBytes int) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	size := info.Size()
	start := int64(0)
	if size > int64(maxBytes) {
		start = size - int64(maxBytes)
	}

	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, 0, err
	}
	return buf, start, nil
}

func extractRole(rec map[string]interface{}) string {
	if v, ok := rec["type"].(string); ok {
		if r := normalizeRole(v); r != "" {
			return r
		}
	}
	if v, ok := rec["role"].(string); ok {
		if r := normalizeRole(v); r != "" {
			return r
		}
	}
	if msg, ok := rec["message"].(map[string]interface{}); ok {
		if v, ok := msg["role"].(string); ok {
			return normalizeRole(v)
		}
	}
	return ""
}

func normalizeRole(v string) string {
	lower := strings.ToLower(v)
	if lower == "user" || lower == "assistant" {
		return lower
	}
	return ""
}

var timestampFields = []string{"timestamp", "time", "created_at", "createdAt", "ts"}

func extractTimestampMs(rec map[string]interface{}) (int64, bool) {
	for _, field := range timestampFields {
		if v, ok := rec[field]; ok {
			if ms, ok := coerceTimestampMs(v); ok {
				return ms, true
			}
		}
	}
	if meta, ok := rec["meta"].(map[string]interface{}); ok {
		if v, ok := meta["timestamp"]; ok {
			if ms, ok := coerceTimestampMs(v); ok {
				return ms, true
			}
		}
	}
	return 0, false
}

func coerceTimestampMs(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return numericToMs(val), true
	case string:
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return numericToMs(n), true
		}
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UnixMilli(), true
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func numericToMs(n float64) int64 {
	switch {
	case n > 1e12:
		return int64(n)
	case n > 1e9:
		return int64(n * 1000)
	default:
		return int64(n)
	}
}
