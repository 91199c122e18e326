// Package checkpoints persists predictor state: the model class, its
// resolved keyword arguments, the weights and the training progress.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/go-molgraph/layers"
)

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: .ckpt is the
// protobuf format, .json is JSON.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ckpt":
		return FormatProto, nil
	case ".json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unrecognized checkpoint extension %q", filepath.Ext(path))
	}
}

const (
	formatVersion = "1.0.0"
	framework     = "go-molgraph"
)

// Checkpoint is a complete predictor state.
type Checkpoint struct {
	// ClassName is the model_type the weights belong to.
	ClassName string `json:"class_name"`

	// Hyperparameters holds the model kwargs and predictor section needed
	// to rebuild the predictor before loading Weights.
	Hyperparameters map[string]any `json:"hyper_parameters"`

	Weights        []WeightTensor  `json:"weights"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	WidthMult float64   `json:"width_mult,omitempty"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int                `json:"epoch"`
	Step         int                `json:"step"`
	LearningRate float64            `json:"learning_rate"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// OptimizerState records the optimizer settings in effect when the
// checkpoint was written.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
}

type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Saver writes and reads checkpoints in one format.
type Saver struct {
	format Format
}

func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Save picks the format from the extension of path.
func Save(path string, ckpt *Checkpoint) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	return NewSaver(format).Save(ckpt, path)
}

// Load picks the format from the extension of path.
func Load(path string) (*Checkpoint, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	return NewSaver(format).Load(path)
}

// Save writes ckpt to path, filling unset metadata.
func (s *Saver) Save(ckpt *Checkpoint, path string) error {
	if ckpt.Metadata.Framework == "" {
		ckpt.Metadata.Framework = framework
		ckpt.Metadata.Version = formatVersion
	}
	if ckpt.Metadata.CreatedAt.IsZero() {
		ckpt.Metadata.CreatedAt = time.Now().UTC()
	}
	// neither encoding can represent NaN or Inf
	for k, v := range ckpt.TrainingState.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(ckpt.TrainingState.Metrics, k)
		}
	}

	var data []byte
	var err error
	switch s.format {
	case FormatJSON:
		data, err = json.MarshalIndent(ckpt, "", "  ")
	case FormatProto:
		data, err = marshalProto(ckpt)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return writeFileAtomic(path, data)
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	var ckpt Checkpoint
	switch s.format {
	case FormatJSON:
		err = json.Unmarshal(data, &ckpt)
	case FormatProto:
		err = unmarshalProto(data, &ckpt)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %v", path, err)
	}
	return &ckpt, nil
}

// marshalProto encodes the checkpoint as a google.protobuf.Struct. The
// creation time is stored as a google.protobuf.Timestamp pair.
func marshalProto(ckpt *Checkpoint) ([]byte, error) {
	doc, err := toMap(ckpt)
	if err != nil {
		return nil, err
	}
	ts := timestamppb.New(ckpt.Metadata.CreatedAt)
	if meta, ok := doc["metadata"].(map[string]any); ok {
		meta["created_at"] = map[string]any{
			"seconds": float64(ts.GetSeconds()),
			"nanos":   float64(ts.GetNanos()),
		}
	}
	st, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func unmarshalProto(data []byte, ckpt *Checkpoint) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return err
	}
	doc := st.AsMap()
	if meta, ok := doc["metadata"].(map[string]any); ok {
		if created, ok := meta["created_at"].(map[string]any); ok {
			seconds, _ := created["seconds"].(float64)
			nanos, _ := created["nanos"].(float64)
			ts := &timestamppb.Timestamp{Seconds: int64(seconds), Nanos: int32(nanos)}
			if err := ts.CheckValid(); err != nil {
				return fmt.Errorf("invalid created_at: %v", err)
			}
			meta["created_at"] = ts.AsTime().Format(time.RFC3339Nano)
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, ckpt)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %v", err)
	}
	return nil
}

// ExtractWeights copies the values of params into weight records. Float16
// parameters are widened to float32 and narrowed again by LoadWeights.
func ExtractWeights(params []*layers.Parameter) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		values, err := p.Value.Float32Values()
		if err != nil {
			return nil, fmt.Errorf("failed to extract weight data for %s: %v", p.Name, err)
		}
		weights = append(weights, WeightTensor{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Value.Shape...),
			Data:      append([]float32(nil), values...),
			WidthMult: p.WidthMult,
		})
	}
	return weights, nil
}

// LoadWeights copies weights into params, matched by name. Every parameter
// must have a weight of identical shape.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight for parameter %s", p.Name)
		}
		shape := p.Value.Shape
		if len(shape) != len(w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs weight %v", w.Name, shape, w.Shape)
		}
		for j, dim := range shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != p.Value.NumElems {
			return fmt.Errorf("weight %s has %d values for %d elements", w.Name, len(w.Data), p.Value.NumElems)
		}
		if err := p.Value.SetData(append([]float32(nil), w.Data...)); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %v", w.Name, err)
		}
		if w.WidthMult > 0 {
			p.WidthMult = w.WidthMult
		}
	}
	return nil
}
