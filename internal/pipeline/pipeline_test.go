package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/ivlev/sherdmark/internal/inference"
	"github.com/ivlev/sherdmark/internal/sherd"
	"github.com/ivlev/sherdmark/internal/source"
)

// fakePredictor returns a canned prediction and records calls.
type fakePredictor struct {
	PredictFunc func(ctx context.Context, image []byte) (*inference.Prediction, error)

	mu        sync.Mutex
	CallCount int
}

func (f *fakePredictor) Predict(ctx context.Context, image []byte) (*inference.Prediction, error) {
	f.mu.Lock()
	f.CallCount++
	f.mu.Unlock()
	return f.PredictFunc(ctx, image)
}

func returning(pred *inference.Prediction) *fakePredictor {
	return &fakePredictor{PredictFunc: func(context.Context, []byte) (*inference.Prediction, error) {
		return pred, nil
	}}
}

func writePhoto(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 200, 180, 150, 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeAnnotated(t *testing.T, res *Result) image.Image {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(res.AnnotatedImage)
	if err != nil {
		t.Fatalf("annotated image is not base64: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("annotated image is not a jpeg: %v", err)
	}
	return img
}

func newProcessor(pred inference.Predictor, outDir string) *Processor {
	return NewProcessor(pred, Options{OutputDir: outDir, Workers: 2}, zap.NewNop())
}

func TestProcessEqualBoxes(t *testing.T) {
	dir := t.TempDir()
	path := writePhoto(t, dir, "tray.png", 320, 240)

	pred := returning(&inference.Prediction{
		Detections: []sherd.Detection{
			{ID: "a", X: 50, Y: 50, Width: 100, Height: 100},
			{ID: "b", X: 200, Y: 200, Width: 100, Height: 100},
		},
		Types:          sherd.Labels{"a": "rim", "b": "base"},
		Qualifications: sherd.Labels{"a": "diagnostic"},
	})

	outDir := filepath.Join(dir, "output")
	res, err := newProcessor(pred, outDir).Process(context.Background(), path, 100)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []sherd.Record{
		{SherdID: "Sherd 1", Weight: 50, Type: "rim", Qualification: "diagnostic"},
		{SherdID: "Sherd 2", Weight: 50, Type: "base", Qualification: sherd.Unknown},
	}
	if len(res.Sherds) != len(want) {
		t.Fatalf("expected %d sherds, got %d", len(want), len(res.Sherds))
	}
	for i := range want {
		if res.Sherds[i] != want[i] {
			t.Errorf("sherd %d: expected %+v, got %+v", i, want[i], res.Sherds[i])
		}
	}

	img := decodeAnnotated(t, res)
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Errorf("expected 320x240, got %v", img.Bounds())
	}

	if fi, err := os.Stat(outDir); err != nil || !fi.IsDir() {
		t.Errorf("expected output dir to exist: %v", err)
	}
	if pred.CallCount != 1 {
		t.Errorf("expected 1 workflow call, got %d", pred.CallCount)
	}
}

func TestProcessNoDetections(t *testing.T) {
	dir := t.TempDir()
	path := writePhoto(t, dir, "empty.png", 64, 32)

	pred := returning(&inference.Prediction{Types: sherd.Labels{}, Qualifications: sherd.Labels{}})
	res, err := newProcessor(pred, "").Process(context.Background(), path, 100)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(res.Sherds) != 0 {
		t.Errorf("expected no sherds, got %d", len(res.Sherds))
	}

	img := decodeAnnotated(t, res)
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 32 {
		t.Errorf("expected 64x32, got %v", img.Bounds())
	}

	// Nothing drawn: the photo keeps its flat color up to JPEG noise.
	r, g, b, _ := img.At(32, 16).RGBA()
	if diff(r>>8, 200) > 6 || diff(g>>8, 180) > 6 || diff(b>>8, 150) > 6 {
		t.Errorf("unexpected pixel %v", color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b)})
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		t.Fatal(err)
	}
	if len(shape) != 2 || string(shape["sherds"]) != "[]" || shape["annotated_image"] == nil {
		t.Errorf("unexpected result json: %s", data[:min(len(data), 120)])
	}
}

func diff(a uint32, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestProcessZeroAreaAndDefaultWeight(t *testing.T) {
	path := writePhoto(t, t.TempDir(), "flat.png", 40, 40)

	pred := returning(&inference.Prediction{
		Detections: []sherd.Detection{
			{ID: "a", X: 10, Y: 10, Width: 0, Height: 12},
			{ID: "b", X: 20, Y: 20, Width: 5, Height: 0},
		},
	})

	res, err := newProcessor(pred, "").Process(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.TotalWeight != DefaultTotalWeight {
		t.Errorf("expected default weight %v, got %v", DefaultTotalWeight, res.TotalWeight)
	}
	for i, s := range res.Sherds {
		if s.Weight != 0 {
			t.Errorf("sherd %d: expected zero weight, got %v", i, s.Weight)
		}
		if s.Type != sherd.Unknown || s.Qualification != sherd.Unknown {
			t.Errorf("sherd %d: expected unknown labels, got %+v", i, s)
		}
	}
}

func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	path := writePhoto(t, dir, "tray.png", 10, 10)

	t.Run("missing image", func(t *testing.T) {
		pred := returning(&inference.Prediction{})
		_, err := newProcessor(pred, "").Process(context.Background(), filepath.Join(dir, "gone.jpg"), 100)

		var loadErr *source.ImageLoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("expected ImageLoadError, got %v", err)
		}
		if pred.CallCount != 0 {
			t.Errorf("workflow should not be called, got %d calls", pred.CallCount)
		}
	})

	t.Run("call error", func(t *testing.T) {
		pred := &fakePredictor{PredictFunc: func(context.Context, []byte) (*inference.Prediction, error) {
			return nil, &inference.CallError{StatusCode: 403, Body: "forbidden"}
		}}
		_, err := newProcessor(pred, "").Process(context.Background(), path, 100)

		var callErr *inference.CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("expected CallError, got %v", err)
		}
	})

	t.Run("response error", func(t *testing.T) {
		pred := &fakePredictor{PredictFunc: func(context.Context, []byte) (*inference.Prediction, error) {
			return nil, &inference.ResponseError{Reason: "expected exactly one result set, got 2"}
		}}
		_, err := newProcessor(pred, "").Process(context.Background(), path, 100)

		var respErr *inference.ResponseError
		if !errors.As(err, &respErr) {
			t.Fatalf("expected ResponseError, got %v", err)
		}
	})
}

func TestProcessDir(t *testing.T) {
	dir := t.TempDir()
	names := []string{"c.png", "a.png", "b.png"}
	for i, n := range names {
		writePhoto(t, dir, n, 20+i, 20)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}

	pred := returning(&inference.Prediction{
		Detections: []sherd.Detection{{ID: "x", X: 5, Y: 5, Width: 4, Height: 4}},
	})

	results, err := newProcessor(pred, "").ProcessDir(context.Background(), dir, 12)
	if err != nil {
		t.Fatalf("ProcessDir failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	for i, want := range []string{"a.png", "b.png", "c.png"} {
		if filepath.Base(results[i].Source) != want {
			t.Errorf("result %d: expected %s, got %s", i, want, results[i].Source)
		}
		if results[i].Sherds[0].Weight != 12 {
			t.Errorf("result %d: expected weight 12, got %v", i, results[i].Sherds[0].Weight)
		}
	}
	if pred.CallCount != 3 {
		t.Errorf("expected 3 workflow calls, got %d", pred.CallCount)
	}
}

func TestProcessDirFailure(t *testing.T) {
	dir := t.TempDir()
	writePhoto(t, dir, "a.png", 8, 8)
	writePhoto(t, dir, "b.png", 8, 8)

	pred := &fakePredictor{PredictFunc: func(context.Context, []byte) (*inference.Prediction, error) {
		return nil, &inference.CallError{Err: errors.New("connection refused")}
	}}

	if _, err := newProcessor(pred, "").ProcessDir(context.Background(), dir, 100); err == nil {
		t.Fatal("expected batch to fail")
	}

	if _, err := newProcessor(pred, "").ProcessDir(context.Background(), t.TempDir(), 100); err == nil {
		t.Error("expected error for directory without images")
	}
}

func TestProcessRejectsNonFiniteWeight(t *testing.T) {
	path := writePhoto(t, t.TempDir(), "tray.png", 10, 10)

	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		pred := returning(&inference.Prediction{})
		p := newProcessor(pred, "")

		if _, err := p.Process(context.Background(), path, w); !errors.Is(err, ErrInvalidWeight) {
			t.Errorf("weight %v: expected ErrInvalidWeight, got %v", w, err)
		}
		if _, err := p.ProcessDir(context.Background(), filepath.Dir(path), w); !errors.Is(err, ErrInvalidWeight) {
			t.Errorf("weight %v: expected ErrInvalidWeight from batch, got %v", w, err)
		}
		if pred.CallCount != 0 {
			t.Errorf("weight %v: workflow should not be called, got %d calls", w, pred.CallCount)
		}
	}
}

func TestNewProcessorIgnoresNonFiniteDefault(t *testing.T) {
	p := NewProcessor(returning(&inference.Prediction{}), Options{TotalWeight: math.NaN()}, zap.NewNop())
	if p.opts.TotalWeight != DefaultTotalWeight {
		t.Errorf("expected default weight, got %v", p.opts.TotalWeight)
	}
}
