// Package artifacts writes run outputs to disk: per-run JSON documents, one
// CSV per probe and a run index shared by all runs under a base directory.
package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"spikecore/internal/model"
)

const (
	runIndexFile = "run_index.json"
	probesDir    = "probes"
)

type RunConfig struct {
	RunID      string  `json:"run_id"`
	ModelID    string  `json:"model_id"`
	Network    string  `json:"network,omitempty"`
	LimitsPath string  `json:"limits_path,omitempty"`
	Target     string  `json:"target"`
	Mode       string  `json:"mode"`
	Addr       string  `json:"addr,omitempty"`
	Ticks      int64   `json:"ticks"`
	Dt         float64 `json:"dt"`
	Seed       int64   `json:"seed"`
	Workers    int     `json:"workers"`
	Strict     bool    `json:"strict"`
}

// RunSummary holds the counters a simulator reports at the end of a run.
type RunSummary struct {
	Ticks            int64   `json:"ticks"`
	TimeSeconds      float64 `json:"time_seconds"`
	Spikes           int64   `json:"spikes"`
	CurrentOverflows int64   `json:"current_overflows"`
	WeightOverflows  int64   `json:"weight_overflows"`
	TraceOverflows   int64   `json:"trace_overflows"`
	ErrorClips       int64   `json:"error_clips"`
	ElapsedMS        int64   `json:"elapsed_ms"`

	Probes []ProbeStats `json:"probes,omitempty"`
}

type RunArtifacts struct {
	Config  RunConfig           `json:"config"`
	Summary RunSummary          `json:"summary"`
	Model   model.ModelRecord   `json:"model"`
	Probes  []model.ProbeSeries `json:"probes"`
}

type RunIndexEntry struct {
	RunID        string `json:"run_id"`
	ModelID      string `json:"model_id"`
	Label        string `json:"label"`
	Target       string `json:"target"`
	Mode         string `json:"mode"`
	Ticks        int64  `json:"ticks"`
	Spikes       int64  `json:"spikes"`
	Seed         int64  `json:"seed"`
	CreatedAtUTC string `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(filepath.Join(runDir, probesDir), 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Summary); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "model.json"), artifacts.Model); err != nil {
		return "", err
	}
	for _, series := range artifacts.Probes {
		if err := WriteProbeCSV(runDir, series); err != nil {
			return "", fmt.Errorf("probe %s: %w", series.Probe, err)
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. Entries with equal
// timestamps keep the later appended one first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory, probe CSVs included, to outDir.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(filepath.Join(dst, probesDir), 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "summary.json", "model.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}

	entries, err := os.ReadDir(filepath.Join(src, probesDir))
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		if err := copyFile(filepath.Join(src, probesDir, entry.Name()), filepath.Join(dst, probesDir, entry.Name())); err != nil {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, "summary.json"), &summary)
	return summary, ok, err
}

// WriteProbeCSV writes one row per recorded tick: the tick, the raw core
// samples (absent for host probes) and the decoded values.
func WriteProbeCSV(runDir string, series model.ProbeSeries) error {
	if strings.TrimSpace(series.Probe) == "" {
		return fmt.Errorf("probe label is required")
	}
	if err := os.MkdirAll(filepath.Join(runDir, probesDir), 0o755); err != nil {
		return err
	}
	file, err := os.Create(probeCSVPath(runDir, series.Probe))
	if err != nil {
		return err
	}
	defer file.Close()

	if len(series.Values) != len(series.Ticks) || (series.Raw != nil && len(series.Raw) != len(series.Ticks)) {
		return fmt.Errorf("series rows do not match %d ticks", len(series.Ticks))
	}

	rawWidth, valueWidth := 0, 0
	if len(series.Raw) > 0 {
		rawWidth = len(series.Raw[0])
	}
	if len(series.Values) > 0 {
		valueWidth = len(series.Values[0])
	}

	writer := csv.NewWriter(file)
	header := []string{"tick"}
	for i := 0; i < rawWidth; i++ {
		header = append(header, "raw_"+strconv.Itoa(i))
	}
	for i := 0; i < valueWidth; i++ {
		header = append(header, "value_"+strconv.Itoa(i))
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for row, tick := range series.Ticks {
		record := make([]string, 0, len(header))
		record = append(record, strconv.FormatInt(tick, 10))
		if rawWidth > 0 {
			if len(series.Raw[row]) != rawWidth {
				return fmt.Errorf("tick %d: raw width %d, want %d", tick, len(series.Raw[row]), rawWidth)
			}
			for _, v := range series.Raw[row] {
				record = append(record, strconv.FormatInt(int64(v), 10))
			}
		}
		if len(series.Values[row]) != valueWidth {
			return fmt.Errorf("tick %d: value width %d, want %d", tick, len(series.Values[row]), valueWidth)
		}
		for _, v := range series.Values[row] {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadProbeCSV(baseDir, runID, probe string) (model.ProbeSeries, bool, error) {
	file, err := os.Open(probeCSVPath(filepath.Join(baseDir, runID), probe))
	if err != nil {
		if os.IsNotExist(err) {
			return model.ProbeSeries{}, false, nil
		}
		return model.ProbeSeries{}, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return model.ProbeSeries{}, false, fmt.Errorf("probe %s: empty csv", probe)
		}
		return model.ProbeSeries{}, false, err
	}
	if len(header) == 0 || header[0] != "tick" {
		return model.ProbeSeries{}, false, fmt.Errorf("probe %s: first column must be tick", probe)
	}
	rawWidth := 0
	for _, col := range header[1:] {
		if strings.HasPrefix(col, "raw_") {
			rawWidth++
		}
	}

	series := model.ProbeSeries{Probe: probe, Ticks: []int64{}, Values: [][]float64{}}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.ProbeSeries{}, false, err
		}
		tick, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return model.ProbeSeries{}, false, err
		}
		series.Ticks = append(series.Ticks, tick)
		if rawWidth > 0 {
			raw := make([]int32, rawWidth)
			for i := range raw {
				v, err := strconv.ParseInt(record[1+i], 10, 32)
				if err != nil {
					return model.ProbeSeries{}, false, err
				}
				raw[i] = int32(v)
			}
			series.Raw = append(series.Raw, raw)
		}
		values := make([]float64, 0, len(record)-1-rawWidth)
		for _, field := range record[1+rawWidth:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return model.ProbeSeries{}, false, err
			}
			values = append(values, v)
		}
		series.Values = append(series.Values, values)
	}
	return series, true, nil
}

func probeCSVPath(runDir, probe string) string {
	return filepath.Join(runDir, probesDir, probeFileName(probe)+".csv")
}

// probeFileName maps a probe label onto a single path element.
func probeFileName(probe string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, probe)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
