package model

import "encoding/json"

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

func CurrentVersion() VersionedRecord {
	return VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// ModelRecord is a compiled network kept for later runs.
type ModelRecord struct {
	VersionedRecord
	ID           string          `json:"id"`
	Label        string          `json:"label"`
	Network      json.RawMessage `json:"network"`
	Limits       json.RawMessage `json:"limits"`
	Compartments int             `json:"compartments"`
	Groups       int             `json:"groups"`
	Axons        int             `json:"axons"`
	Synapses     int             `json:"synapses"`
	SynapseBytes uint64          `json:"synapse_bytes"`
	Warnings     []string        `json:"warnings,omitempty"`
	CreatedAtUTC string          `json:"created_at_utc"`
}

// RunRecord summarizes one simulator run.
type RunRecord struct {
	VersionedRecord
	ID           string  `json:"id"`
	ModelID      string  `json:"model_id"`
	Target       string  `json:"target"`
	Mode         string  `json:"mode"`
	Ticks        int64   `json:"ticks"`
	Dt           float64 `json:"dt"`
	Seed         int64   `json:"seed"`
	Spikes       int64   `json:"spikes"`
	Overflows    int     `json:"overflows"`
	ElapsedMS    int64   `json:"elapsed_ms"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// ProbeSeries is the recorded output of one probe.
type ProbeSeries struct {
	Probe  string      `json:"probe"`
	Ticks  []int64     `json:"ticks"`
	Raw    [][]int32   `json:"raw,omitempty"`
	Values [][]float64 `json:"values"`
}
