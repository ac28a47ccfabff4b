package hardware

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
)

var ErrInvalidLimits = errors.New("invalid hardware limits")

// Limits describes the capacities and numeric widths of one neuromorphic
// core family. Every value is enforced at build time.
type Limits struct {
	MaxCompartmentsPerGroup int               `toml:"max_compartments_per_group" json:"max_compartments_per_group"`
	MaxAxonsPerGroup        int               `toml:"max_axons_per_group" json:"max_axons_per_group"`
	MaxSynapsesPerGroup     int               `toml:"max_synapses_per_group" json:"max_synapses_per_group"`
	SynapseMemory           datasize.ByteSize `toml:"synapse_memory" json:"synapse_memory"`
	MaxFanOut               int               `toml:"max_fan_out" json:"max_fan_out"`
	MaxDelay                int               `toml:"max_delay" json:"max_delay"`
	MaxSpikesPerStep        int               `toml:"max_spikes_per_step" json:"max_spikes_per_step"`

	WeightBits   int `toml:"weight_bits" json:"weight_bits"`
	CurrentBits  int `toml:"current_bits" json:"current_bits"`
	VoltageBits  int `toml:"voltage_bits" json:"voltage_bits"`
	DecayBits    int `toml:"decay_bits" json:"decay_bits"`
	RefractBits  int `toml:"refract_bits" json:"refract_bits"`
	VthMantBits  int `toml:"vth_mant_bits" json:"vth_mant_bits"`
	VthExp       int `toml:"vth_exp" json:"vth_exp"`
	BiasMantBits int `toml:"bias_mant_bits" json:"bias_mant_bits"`
	BiasExpBits  int `toml:"bias_exp_bits" json:"bias_exp_bits"`
	TraceBits    int `toml:"trace_bits" json:"trace_bits"`
	ErrorBits    int `toml:"error_bits" json:"error_bits"`
	LearnShift   int `toml:"learn_shift" json:"learn_shift"`

	// Dt is the simulated duration of one tick in seconds.
	Dt float64 `toml:"dt" json:"dt"`
}

// Default returns the limits of the reference core.
func Default() Limits {
	return Limits{
		MaxCompartmentsPerGroup: 1024,
		MaxAxonsPerGroup:        4096,
		MaxSynapsesPerGroup:     16384,
		SynapseMemory:           64 * datasize.KB,
		MaxFanOut:               64,
		MaxDelay:                62,
		MaxSpikesPerStep:        50,
		WeightBits:              8,
		CurrentBits:             24,
		VoltageBits:             24,
		DecayBits:               12,
		RefractBits:             6,
		VthMantBits:             17,
		VthExp:                  6,
		BiasMantBits:            12,
		BiasExpBits:             3,
		TraceBits:               7,
		ErrorBits:               16,
		LearnShift:              8,
		Dt:                      0.001,
	}
}

func (l Limits) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"max_compartments_per_group", l.MaxCompartmentsPerGroup},
		{"max_axons_per_group", l.MaxAxonsPerGroup},
		{"max_synapses_per_group", l.MaxSynapsesPerGroup},
		{"max_fan_out", l.MaxFanOut},
		{"max_delay", l.MaxDelay},
		{"max_spikes_per_step", l.MaxSpikesPerStep},
		{"weight_bits", l.WeightBits},
		{"current_bits", l.CurrentBits},
		{"voltage_bits", l.VoltageBits},
		{"decay_bits", l.DecayBits},
		{"refract_bits", l.RefractBits},
		{"vth_mant_bits", l.VthMantBits},
		{"bias_mant_bits", l.BiasMantBits},
		{"bias_exp_bits", l.BiasExpBits},
		{"trace_bits", l.TraceBits},
		{"error_bits", l.ErrorBits},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidLimits, p.name, p.value)
		}
	}
	if l.SynapseMemory == 0 {
		return fmt.Errorf("%w: synapse_memory must be > 0", ErrInvalidLimits)
	}
	if l.VthExp < 0 || l.LearnShift < 0 {
		return fmt.Errorf("%w: vth_exp and learn_shift must be >= 0", ErrInvalidLimits)
	}
	for _, w := range []struct {
		name  string
		value int
	}{
		{"weight_bits", l.WeightBits},
		{"current_bits", l.CurrentBits},
		{"voltage_bits", l.VoltageBits},
		{"trace_bits", l.TraceBits},
		{"error_bits", l.ErrorBits},
	} {
		if w.value > 31 {
			return fmt.Errorf("%w: %s must be <= 31, got %d", ErrInvalidLimits, w.name, w.value)
		}
	}
	if l.DecayBits > 16 {
		return fmt.Errorf("%w: decay_bits must be <= 16, got %d", ErrInvalidLimits, l.DecayBits)
	}
	if l.VthMantBits+l.VthExp >= l.VoltageBits {
		return fmt.Errorf("%w: threshold range %d bits exceeds voltage width %d", ErrInvalidLimits, l.VthMantBits+l.VthExp, l.VoltageBits)
	}
	if !(l.Dt > 0) {
		return fmt.Errorf("%w: dt must be > 0", ErrInvalidLimits)
	}
	return nil
}

// IndexBits is the width of a compartment index inside one group.
func (l Limits) IndexBits() int {
	if l.MaxCompartmentsPerGroup <= 1 {
		return 1
	}
	return bits.Len(uint(l.MaxCompartmentsPerGroup - 1))
}

// SynapseEntryBytes is the storage cost of one weight table entry.
func (l Limits) SynapseEntryBytes() datasize.ByteSize {
	return datasize.ByteSize((l.WeightBits + l.IndexBits() + 7) / 8)
}

// RingSize is the number of delay slots a core must keep per compartment.
func (l Limits) RingSize() int {
	return l.MaxDelay + 1
}

func (l Limits) VthMax() int64 {
	return (int64(1)<<l.VthMantBits - 1) << l.VthExp
}

func (l Limits) BiasMantMax() int64 {
	return int64(1)<<l.BiasMantBits - 1
}

func (l Limits) BiasExpMax() int {
	return 1<<l.BiasExpBits - 1
}

func (l Limits) BiasMax() int64 {
	return l.BiasMantMax() << l.BiasExpMax()
}

func (l Limits) RefractMax() int {
	return 1<<l.RefractBits - 1
}

// Load reads limits from a .toml or .json file. Fields missing from the file
// keep their Default values.
func Load(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, err
	}
	limits := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &limits); err != nil {
			return Limits{}, fmt.Errorf("decode limits %s: %w", path, err)
		}
	default:
		meta, err := toml.Decode(string(data), &limits)
		if err != nil {
			return Limits{}, fmt.Errorf("decode limits %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Limits{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidLimits, path, undecoded)
		}
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// Write stores limits as TOML.
func Write(path string, limits Limits) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(limits); err != nil {
		return err
	}
	return f.Sync()
}
