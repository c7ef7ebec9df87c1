package graph

import (
	"errors"
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
	"github.com/mjibson/go-dsp/fft"
	"github.com/wavecap/wavecap/waveform"
)

// Built-in kernels. These are not a protocol decoder library; they exist so
// the graph has real compute to schedule and so sessions can persist a
// working set of derived signals.

var errInputCount = errors.New("wrong number of inputs")

type kernelBuilder func(params map[string]interface{}) (Kernel, error)

var kernelTypes = map[string]kernelBuilder{}

// RegisterKernelType makes a kernel constructable by name, e.g. from the
// decodes section of a session document.
func RegisterKernelType(name string, builder kernelBuilder) {
	kernelTypes[name] = builder
}

// NewKernel instantiates a registered kernel from loosely-typed parameters.
func NewKernel(name string, params map[string]interface{}) (Kernel, error) {
	builder, found := kernelTypes[name]
	if !found {
		return nil, fmt.Errorf("unknown filter type %q", name)
	}
	return builder(params)
}

func decodeParams(params map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func init() {
	RegisterKernelType("subtract", func(params map[string]interface{}) (Kernel, error) {
		return subtractKernel{}, nil
	})
	RegisterKernelType("threshold", func(params map[string]interface{}) (Kernel, error) {
		var cfg ThresholdConfig
		if err := decodeParams(params, &cfg); err != nil {
			return nil, err
		}
		return thresholdKernel{cfg: cfg}, nil
	})
	RegisterKernelType("fft", func(params map[string]interface{}) (Kernel, error) {
		return fftKernel{}, nil
	})
}

// subtractKernel computes a-b sample-wise over two analog inputs sharing a
// timebase.
type subtractKernel struct{}

func (subtractKernel) Kind() string              { return "subtract" }
func (subtractKernel) OutputKind() waveform.Kind { return waveform.KindAnalog }
func (subtractKernel) OutputStreams() int        { return 1 }

func (subtractKernel) Evaluate(_ *AnalysisCache, inputs []*waveform.Buffer) ([]*waveform.Buffer, error) {
	if len(inputs) != 2 {
		return nil, errInputCount
	}
	a, b := inputs[0], inputs[1]
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}

	out := waveform.NewAnalogBuffer(n)
	out.Timescale = a.Timescale
	out.Start = a.Start
	out.TriggerPhase = a.TriggerPhase
	copy(out.Offsets, a.Offsets)
	copy(out.Durations, a.Durations)
	out.DensePacked = a.DensePacked && b.DensePacked
	for i := 0; i < n; i++ {
		out.Analog[i] = a.Analog[i] - b.Analog[i]
	}
	return []*waveform.Buffer{out}, nil
}

// ThresholdConfig parameterizes the analog-to-digital threshold kernel.
type ThresholdConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Hysteresis float64 `yaml:"hysteresis"`
}

type thresholdKernel struct {
	cfg ThresholdConfig
}

func (thresholdKernel) Kind() string              { return "threshold" }
func (thresholdKernel) OutputKind() waveform.Kind { return waveform.KindDigital }
func (thresholdKernel) OutputStreams() int        { return 1 }

func (k thresholdKernel) Evaluate(_ *AnalysisCache, inputs []*waveform.Buffer) ([]*waveform.Buffer, error) {
	if len(inputs) != 1 {
		return nil, errInputCount
	}
	in := inputs[0]
	n := in.Len()

	out := waveform.NewDigitalBuffer(n)
	out.Timescale = in.Timescale
	out.Start = in.Start
	out.TriggerPhase = in.TriggerPhase
	copy(out.Offsets, in.Offsets)
	copy(out.Durations, in.Durations)
	out.DensePacked = in.DensePacked

	rising := k.cfg.Threshold + k.cfg.Hysteresis/2
	falling := k.cfg.Threshold - k.cfg.Hysteresis/2
	state := false
	for i := 0; i < n; i++ {
		v := float64(in.Analog[i])
		if v >= rising {
			state = true
		} else if v < falling {
			state = false
		}
		out.Digital[i] = state
	}
	return []*waveform.Buffer{out}, nil
}

// fftKernel produces the magnitude half-spectrum of a dense analog input.
type fftKernel struct{}

func (fftKernel) Kind() string              { return "fft" }
func (fftKernel) OutputKind() waveform.Kind { return waveform.KindAnalog }
func (fftKernel) OutputStreams() int        { return 1 }

func (fftKernel) Evaluate(_ *AnalysisCache, inputs []*waveform.Buffer) ([]*waveform.Buffer, error) {
	if len(inputs) != 1 {
		return nil, errInputCount
	}
	in := inputs[0]
	if !in.DensePacked {
		return nil, errors.New("fft requires a dense-packed input")
	}

	samples := make([]float64, in.Len())
	for i, v := range in.Analog {
		samples[i] = float64(v)
	}

	spectrum := fft.FFTReal(samples)
	bins := len(spectrum)/2 + 1
	if len(spectrum) == 0 {
		bins = 0
	}

	out := waveform.NewAnalogBuffer(bins)
	out.Start = in.Start
	out.Timescale = in.Timescale
	for i := 0; i < bins; i++ {
		out.Analog[i] = float32(math.Hypot(real(spectrum[i]), imag(spectrum[i])))
	}
	out.FillDense()
	return []*waveform.Buffer{out}, nil
}
