package device

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"spikecore/internal/cx"
)

type ioTable struct {
	Index   int
	Label   string
	Length  int
	Shift   int
	Impulse int32
}

type ioProbe struct {
	Index int
	Label string
	Key   string
	Width int
	Every int
}

type ioCodeData struct {
	Model      string
	InputLines int
	MaxSpikes  int
	Probes     []ioProbe
	Learning   []ioTable
	ErrorBits  int
}

// commentText keeps a label from opening or closing a C comment.
func commentText(label string) string {
	label = strings.ReplaceAll(label, "*/", "* /")
	return strings.ReplaceAll(label, "/*", "/ *")
}

var ioTemplate = template.Must(template.New("io").Funcs(template.FuncMap{"comment": commentText}).Parse(`/* io routine for model {{comment .Model}} */
#include <stdint.h>
#include "core.h"

#define N_INPUT_LINES {{.InputLines}}
#define MAX_SPIKES_PER_STEP {{.MaxSpikes}}
#define N_PROBES {{len .Probes}}
#define N_LEARNING {{len .Learning}}
#define ERROR_BITS {{.ErrorBits}}

static const probe_desc_t probes[] = {
{{- range .Probes}}
	{ {{.Index}}, PROBE_KEY_{{.Key}}, {{.Width}}, {{.Every}} }, /* {{comment .Label}} */
{{- end}}
	{ -1, 0, 0, 0 },
};

static const learn_desc_t learning[] = {
{{- range .Learning}}
	{ {{.Index}}, {{.Length}}, {{.Shift}}, {{.Impulse}} }, /* {{comment .Label}} */
{{- end}}
	{ -1, 0, 0, 0 },
};

int io_step(core_t *core, link_t *link) {
	uint32_t n = link_read_u32(link);
	if (n > MAX_SPIKES_PER_STEP) {
		return IO_ERR_VOLUME;
	}
	for (uint32_t i = 0; i < n; i++) {
		uint32_t line = link_read_u32(link);
		if (line >= N_INPUT_LINES) {
			return IO_ERR_INPUT;
		}
		core_inject(core, line);
	}
	for (int k = 0; learning[k].table >= 0; k++) {
		link_read_errors(link, core, &learning[k], ERROR_BITS);
	}
	core_step(core);
	for (int k = 0; probes[k].probe >= 0; k++) {
		if (core_tick(core) % probes[k].every == 0) {
			link_write_probe(link, core, &probes[k]);
		}
	}
	return IO_OK;
}
`))

// GenerateIOCode renders the embedded routine a board runs each tick to
// move spikes, errors and probe samples across the link. It is derived
// from the model alone, so a board can verify an uploaded routine.
func GenerateIOCode(m *cx.Model) (string, error) {
	if m == nil {
		return "", errors.Wrap(ErrCodec, "nil model")
	}
	data := ioCodeData{
		Model:      m.Label,
		InputLines: m.InputLines(),
		MaxSpikes:  m.Limits.MaxSpikesPerStep,
		ErrorBits:  m.Limits.ErrorBits,
	}
	for i, p := range m.Probes {
		data.Probes = append(data.Probes, ioProbe{Index: i, Label: p.Label, Key: p.Key.String(), Width: p.Width(), Every: p.SampleEvery})
	}
	for i, s := range m.Synapses {
		if s.Learning == nil {
			continue
		}
		data.Learning = append(data.Learning, ioTable{
			Index:   i,
			Label:   s.Label,
			Length:  m.Groups[s.Group].N,
			Shift:   s.Learning.Shift,
			Impulse: s.Learning.TraceImpulse,
		})
	}
	var buf bytes.Buffer
	if err := ioTemplate.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "render io routine")
	}
	return buf.String(), nil
}
