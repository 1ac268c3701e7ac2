// Package onnx loads the segmentation model with ONNX Runtime and serves it
// as an inference.Predictor.
package onnx

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/jupark12/cropmask-pipeline/inference"
)

// Options describes the exported model
type Options struct {
	// SharedLibrary is the onnxruntime shared library; empty uses the default
	SharedLibrary string
	WeightsPath   string
	InputName     string
	OutputName    string
	Bands         int
	Classes       int
	WindowHeight  int
	WindowWidth   int
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(lib string) error {
	envOnce.Do(func() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Predictor runs one ONNX session on one device
type Predictor struct {
	opts    Options
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewFactory returns an inference.PredictorFactory that opens a session per
// device, on CUDA for GPU ranks and on the CPU provider otherwise.
func NewFactory(opts Options) inference.PredictorFactory {
	return func(device int) (inference.Predictor, error) {
		return New(opts, device)
	}
}

// New opens a session on device, or on the CPU when device is inference.CPU
func New(opts Options, device int) (*Predictor, error) {
	if err := initEnvironment(opts.SharedLibrary); err != nil {
		return nil, fmt.Errorf("failed to initialise onnxruntime: %w", err)
	}
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer so.Destroy()

	if device != inference.CPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(device)}); err != nil {
			return nil, fmt.Errorf("failed to select GPU %d: %w", device, err)
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA on GPU %d: %w", device, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.WeightsPath,
		[]string{opts.InputName}, []string{opts.OutputName}, so)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", opts.WeightsPath, err)
	}
	return &Predictor{opts: opts, session: session}, nil
}

// Predict implements inference.Predictor
func (p *Predictor) Predict(ctx context.Context, input []float32, n int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := p.opts
	in, err := ort.NewTensor(ort.NewShape(int64(n), int64(o.Bands), int64(o.WindowHeight), int64(o.WindowWidth)), input)
	if err != nil {
		return nil, fmt.Errorf("failed to build input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(o.Classes), int64(o.WindowHeight), int64(o.WindowWidth)))
	if err != nil {
		return nil, fmt.Errorf("failed to build output tensor: %w", err)
	}
	defer out.Destroy()

	p.mu.Lock()
	err = p.session.Run([]ort.Value{in}, []ort.Value{out})
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}
	return append([]float32(nil), out.GetData()...), nil
}

// Close releases the session
func (p *Predictor) Close() error {
	return p.session.Destroy()
}
