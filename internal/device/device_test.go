package device

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"spikecore/internal/builder"
	"spikecore/internal/cx"
	"spikecore/internal/emulator"
	"spikecore/internal/hardware"
	"spikecore/internal/netgraph"
	"spikecore/internal/stimulus"
)

func fill(n int, v int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// relayModel is input line 0 -> compartment 0 (delay 2) -> compartment 1
// (delay 1), with a bias-driven third compartment to keep ticks busy.
func relayModel() *cx.Model {
	axons, index := cx.Flatten([][]cx.Axon{{{Synapses: 0, Row: 1, Delay: 1}}, nil, nil})
	inAxons, inIndex := cx.Flatten([][]cx.Axon{{{Synapses: 0, Row: 0, Delay: 2}}})
	return &cx.Model{
		Label:  "relay",
		Limits: hardware.Default(),
		Groups: []cx.Group{{
			Label:        "g",
			N:            3,
			DecayU:       fill(3, 4095),
			DecayV:       fill(3, 4095),
			RefractDelay: fill(3, 1),
			Vth:          fill(3, 10),
			Bias:         []int32{0, 0, 4},
			Vmax:         1<<23 - 1,
		}},
		Synapses: []cx.Synapses{{
			Label: "g.in",
			Rows: []cx.Row{
				{Indices: []int32{0}, Weights: []int32{100}},
				{Indices: []int32{1}, Weights: []int32{100}},
			},
		}},
		Axons:          axons,
		AxonIndex:      index,
		Inputs:         []cx.SpikeInput{{Label: "in", N: 1}},
		InputAxons:     inAxons,
		InputAxonIndex: inIndex,
		Probes: []cx.Probe{
			{Label: "g.s", Key: cx.KeySpike, Start: 0, Stop: 3, SampleEvery: 1},
			{Label: "g.v", Key: cx.KeyVoltage, Start: 2, Stop: 3, SampleEvery: 3},
		},
	}
}

func relayInputs(n int) []emulator.TickInput {
	inputs := make([]emulator.TickInput, n)
	for i := 0; i < n; i += 5 {
		inputs[i] = emulator.TickInput{Spikes: []int32{0}}
	}
	return inputs
}

func channelModel(t *testing.T) *cx.Model {
	t.Helper()
	network := &netgraph.Network{
		Label: "channel",
		Seed:  5,
		Ensembles: []netgraph.Ensemble{
			{Label: "a", N: 30, Dimensions: 1},
			{Label: "b", N: 30, Dimensions: 1},
		},
		Nodes: []netgraph.Node{
			{Label: "in", SizeOut: 1, Stimulus: &stimulus.Spec{Name: "constant", Value: []float64{0.3}}},
		},
		Connections: []netgraph.Connection{
			{Pre: netgraph.Endpoint{Object: "in"}, Post: netgraph.Endpoint{Object: "a"}, Synapse: 0.005},
			{Pre: netgraph.Endpoint{Object: "a"}, Post: netgraph.Endpoint{Object: "b"}, Synapse: 0.005},
		},
		Probes: []netgraph.Probe{{Target: "b", Synapse: 0.01}, {Target: "a", Attr: "spikes"}},
	}
	res, err := builder.Build(context.Background(), network, hardware.Default(), builder.Options{EvalPoints: 200})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return res.Model
}

func TestModelImageRoundTrip(t *testing.T) {
	for _, m := range []*cx.Model{relayModel(), channelModel(t)} {
		image, err := EncodeModel(m)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Label, err)
		}
		decoded, err := DecodeModel(image)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Label, err)
		}
		again, err := EncodeModel(decoded)
		if err != nil {
			t.Fatalf("re-encode %s: %v", m.Label, err)
		}
		if !bytes.Equal(image, again) {
			t.Fatalf("%s: image changed across a round trip", m.Label)
		}
		if decoded.Stats() != m.Stats() || decoded.Limits != m.Limits {
			t.Fatalf("%s: unexpected decoded stats: got=%v want=%v", m.Label, decoded.Stats(), m.Stats())
		}
	}
}

func TestDecodeModelRejectsDamage(t *testing.T) {
	image, err := EncodeModel(relayModel())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string][]byte{
		"magic":     append([]byte("NOPE"), image[4:]...),
		"truncated": image[:len(image)-3],
		"trailing":  append(append([]byte(nil), image...), 0),
		"empty":     nil,
	}
	for name, data := range cases {
		if _, err := DecodeModel(data); !errors.Is(err, ErrCodec) {
			t.Fatalf("%s: expected codec error, got %v", name, err)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameStep, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, FrameAck, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	ft, payload, err := ReadFrame(&buf)
	if err != nil || ft != FrameStep || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("unexpected frame: type=%s payload=%v err=%v", ft, payload, err)
	}
	ft, payload, err = ReadFrame(&buf)
	if err != nil || ft != FrameAck || len(payload) != 0 {
		t.Fatalf("unexpected frame: type=%s payload=%v err=%v", ft, payload, err)
	}

	huge := []byte{byte(FrameRun), 0xff, 0xff, 0xff, 0xff}
	if _, _, err := ReadFrame(bytes.NewReader(huge)); !errors.Is(err, ErrFrame) {
		t.Fatalf("expected oversized frame error, got %v", err)
	}
}

func TestGenerateIOCodeDescribesModel(t *testing.T) {
	code, err := GenerateIOCode(relayModel())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, want := range []string{"#define N_INPUT_LINES 1", "#define MAX_SPIKES_PER_STEP 50", "#define N_PROBES 2", "PROBE_KEY_v, 1, 3", "/* g.s */"} {
		if !strings.Contains(code, want) {
			t.Fatalf("io routine is missing %q:\n%s", want, code)
		}
	}
	again, _ := GenerateIOCode(relayModel())
	if code != again {
		t.Fatal("io routine is not deterministic")
	}
}

func TestGenerateIOCodeKeepsLabelsInsideComments(t *testing.T) {
	ctx := context.Background()
	m := relayModel()
	m.Label = "relay */ int x;"
	m.Probes[0].Label = "g.s*/"
	m.Synapses[0].Label = "*/*/"
	code, err := GenerateIOCode(m)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if open, closed := strings.Count(code, "/*"), strings.Count(code, "*/"); open != closed {
		t.Fatalf("unbalanced comments: open=%d closed=%d\n%s", open, closed, code)
	}
	if !strings.Contains(code, "/* io routine for model relay * / int x; */") {
		t.Fatalf("model label not escaped:\n%s", code)
	}

	b := newBridge(t, BridgeOptions{Timeout: time.Second})
	if err := b.Build(ctx, m); err != nil {
		t.Fatalf("build with escaped labels: %v", err)
	}
}

func newBridge(t *testing.T, opts BridgeOptions) *Bridge {
	t.Helper()
	if opts.Dial == nil {
		opts.Dial = Loopback(BoardOptions{Workers: 1})
	}
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridgeMatchesEmulator(t *testing.T) {
	ctx := context.Background()
	const ticks = 30
	inputs := relayInputs(ticks)

	core := emulator.New(emulator.Options{Workers: 1})
	defer core.Close()
	if err := core.Build(ctx, relayModel()); err != nil {
		t.Fatalf("emulator build: %v", err)
	}
	want, err := core.Run(ctx, ticks, inputs)
	if err != nil {
		t.Fatalf("emulator run: %v", err)
	}

	b := newBridge(t, BridgeOptions{Timeout: time.Second})
	if err := b.Build(ctx, relayModel()); err != nil {
		t.Fatalf("bridge build: %v", err)
	}
	var stepped []emulator.TickOutput
	for _, in := range inputs {
		out, err := b.Step(ctx, in)
		if err != nil {
			t.Fatalf("bridge step: %v", err)
		}
		stepped = append(stepped, out)
	}
	if !reflect.DeepEqual(stepped, want) {
		t.Fatal("interactive device outputs differ from the emulator")
	}
	if got, want := b.Overflows(), core.Overflows(); got != want {
		t.Fatalf("unexpected device overflows: got=%+v want=%+v", got, want)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if b.Tick() != 0 {
		t.Fatalf("unexpected tick after reset: %d", b.Tick())
	}
	ran, err := b.Run(ctx, ticks, inputs)
	if err != nil {
		t.Fatalf("bridge run: %v", err)
	}
	if !reflect.DeepEqual(ran, want) {
		t.Fatal("precomputed device outputs differ from the emulator")
	}
	if b.Tick() != ticks {
		t.Fatalf("unexpected tick after run: %d", b.Tick())
	}
}

func TestBridgeTimeoutInvalidatesLink(t *testing.T) {
	ctx := context.Background()
	slow := Loopback(BoardOptions{Latency: time.Second})
	fast := Loopback(BoardOptions{})
	var dials atomic.Int32
	dial := func(ctx context.Context) (net.Conn, error) {
		if dials.Add(1) == 1 {
			return slow(ctx)
		}
		return fast(ctx)
	}
	b := newBridge(t, BridgeOptions{Dial: dial, Timeout: 50 * time.Millisecond})
	if err := b.Build(ctx, relayModel()); err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err := b.Step(ctx, emulator.TickInput{})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || !errors.Is(err, ErrDeviceTimeout) || timeout.Op != "step" {
		t.Fatalf("expected step timeout, got %v", err)
	}
	if _, err := b.Step(ctx, emulator.TickInput{}); !errors.Is(err, ErrConnectionInvalid) {
		t.Fatalf("expected invalid link after timeout, got %v", err)
	}
	if err := b.Reset(ctx); !errors.Is(err, ErrConnectionInvalid) {
		t.Fatalf("expected invalid link on reset, got %v", err)
	}

	if err := b.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if _, err := b.Step(ctx, emulator.TickInput{}); !errors.Is(err, emulator.ErrNotBuilt) {
		t.Fatalf("expected not built after reconnect, got %v", err)
	}
	if err := b.Build(ctx, relayModel()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	out, err := b.Step(ctx, emulator.TickInput{})
	if err != nil || out.Tick != 1 {
		t.Fatalf("unexpected step after recovery: out=%+v err=%v", out, err)
	}
}

func TestBridgeRejectsSpikeVolume(t *testing.T) {
	ctx := context.Background()
	m := relayModel()
	m.Limits.MaxSpikesPerStep = 1
	b := newBridge(t, BridgeOptions{Timeout: time.Second})
	if err := b.Build(ctx, m); err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err := b.Step(ctx, emulator.TickInput{Spikes: []int32{0, 0}})
	var volume *SpikeVolumeError
	if !errors.As(err, &volume) || volume.Tick != 1 || volume.Spikes != 2 || volume.Limit != 1 {
		t.Fatalf("expected spike volume error, got %v", err)
	}
	inputs := []emulator.TickInput{{}, {}, {Spikes: []int32{0, 0}}}
	if _, err := b.Run(ctx, 3, inputs); !errors.As(err, &volume) || volume.Tick != 3 {
		t.Fatalf("expected spike volume error on tick 3, got %v", err)
	}
	if out, err := b.Step(ctx, emulator.TickInput{Spikes: []int32{0}}); err != nil || out.Tick != 1 {
		t.Fatalf("link should stay usable after a rejected tick: out=%+v err=%v", out, err)
	}
}

// exchange drives a board session by hand.
func exchange(t *testing.T, conn net.Conn, ft FrameType, payload []byte) (FrameType, []byte) {
	t.Helper()
	if err := WriteFrame(conn, ft, payload); err != nil {
		t.Fatalf("write %s: %v", ft, err)
	}
	reply, body, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply to %s: %v", ft, err)
	}
	return reply, body
}

func TestBoardErrorFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, dev := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewBoard(BoardOptions{}).Serve(ctx, dev) }()
	defer host.Close()

	m := relayModel()
	m.Limits.MaxSpikesPerStep = 1
	image, err := EncodeModel(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	w := &writer{}
	w.tickInput(emulator.TickInput{Spikes: []int32{0}})
	step := w.buf.Bytes()

	expectError := func(ft FrameType, payload []byte, target error) {
		t.Helper()
		reply, body := exchange(t, host, ft, payload)
		if reply != FrameError {
			t.Fatalf("%s: expected error frame, got %s", ft, reply)
		}
		if err := decodeError(body); !errors.Is(err, target) {
			t.Fatalf("%s: unexpected remote error: got=%v want=%v", ft, err, target)
		}
	}

	expectError(FrameStep, step, emulator.ErrNotBuilt)
	expectError(FrameModel, []byte("junk"), ErrCodec)
	if reply, _ := exchange(t, host, FrameModel, image); reply != FrameAck {
		t.Fatalf("model upload: got %s", reply)
	}
	expectError(FrameStep, step, emulator.ErrNotBuilt)
	expectError(FrameCode, []byte("int io_step() { return 0; }"), ErrIOCode)
	code, _ := GenerateIOCode(m)
	if reply, _ := exchange(t, host, FrameCode, []byte(code)); reply != FrameAck {
		t.Fatalf("code upload: got %s", reply)
	}

	w = &writer{}
	w.tickInput(emulator.TickInput{Spikes: []int32{0, 0}})
	expectError(FrameStep, w.buf.Bytes(), ErrSpikeVolume)
	w = &writer{}
	w.tickInput(emulator.TickInput{Spikes: []int32{7}})
	expectError(FrameStep, w.buf.Bytes(), emulator.ErrInput)
	expectError(FrameStepResult, nil, ErrRemote)

	reply, body := exchange(t, host, FrameStep, step)
	if reply != FrameStepResult {
		t.Fatalf("step: got %s", reply)
	}
	r := &reader{data: body}
	out := r.tickOutput()
	overflows := r.overflows()
	if r.done("step") != nil || out.Tick != 1 || overflows.Total() != 0 {
		t.Fatalf("unexpected step result: %+v overflows=%+v", out, overflows)
	}

	if reply, _ := exchange(t, host, FrameClose, nil); reply != FrameAck {
		t.Fatalf("close: got %s", reply)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestBoardListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- NewBoard(BoardOptions{}).ServeListener(ctx, ln) }()

	b := newBridge(t, BridgeOptions{Dial: TCP(ln.Addr().String()), Timeout: time.Second})
	if err := b.Build(context.Background(), relayModel()); err != nil {
		t.Fatalf("build over tcp: %v", err)
	}
	outputs, err := b.Run(context.Background(), 10, relayInputs(10))
	if err != nil || len(outputs) != 10 {
		t.Fatalf("unexpected run over tcp: outputs=%d err=%v", len(outputs), err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := b.Step(context.Background(), emulator.TickInput{}); !errors.Is(err, emulator.ErrUseAfterClose) {
		t.Fatalf("expected use after close, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve listener: %v", err)
	}
}
