package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cropcast-backend/internal/models"
)

// Tensor is a named, shaped block of weights
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Weights is a full copy of the model state used for checkpointing and artifacts
type Weights struct {
	Tensors []Tensor `json:"tensors"`
}

// Snapshot copies every trainable tensor and the batch-norm moving statistics
func (m *Model) Snapshot() *Weights {
	w := &Weights{}
	for _, p := range m.params {
		w.Tensors = append(w.Tensors, Tensor{
			Name:  p.name,
			Shape: append([]int(nil), p.shape...),
			Data:  append([]float64(nil), p.w...),
		})
	}
	for _, bn := range []struct {
		name string
		bn   *batchNorm
	}{{"batch_norm_1", m.bn1}, {"batch_norm_2", m.bn2}} {
		w.Tensors = append(w.Tensors,
			Tensor{Name: bn.name + ".moving_mean", Shape: []int{bn.bn.n}, Data: append([]float64(nil), bn.bn.movingMean...)},
			Tensor{Name: bn.name + ".moving_variance", Shape: []int{bn.bn.n}, Data: append([]float64(nil), bn.bn.movingVar...)},
		)
	}
	return w
}

// Restore loads a snapshot taken from a model with the same architecture
func (m *Model) Restore(w *Weights) error {
	targets := make(map[string][]float64, len(m.params)+4)
	for _, p := range m.params {
		targets[p.name] = p.w
	}
	targets["batch_norm_1.moving_mean"] = m.bn1.movingMean
	targets["batch_norm_1.moving_variance"] = m.bn1.movingVar
	targets["batch_norm_2.moving_mean"] = m.bn2.movingMean
	targets["batch_norm_2.moving_variance"] = m.bn2.movingVar

	if len(w.Tensors) != len(targets) {
		return fmt.Errorf("weights have %d tensors, model expects %d", len(w.Tensors), len(targets))
	}
	for _, t := range w.Tensors {
		dst, ok := targets[t.Name]
		if !ok {
			return fmt.Errorf("unexpected tensor %q", t.Name)
		}
		if len(dst) != len(t.Data) {
			return fmt.Errorf("tensor %q has %d values, model expects %d", t.Name, len(t.Data), len(dst))
		}
	}
	for _, t := range w.Tensors {
		copy(targets[t.Name], t.Data)
	}
	return nil
}

// bundle is the on-disk artifact format
type bundle struct {
	Metadata     Metadata     `json:"metadata"`
	Architecture Architecture `json:"architecture"`
	Weights      Weights      `json:"weights"`
}

// ArtifactStore persists model weights and metadata. Stage writes the artifact
// without replacing the current one; the returned StagedArtifact either
// commits it into place or discards it.
type ArtifactStore interface {
	Stage(ctx context.Context, m *Model) (StagedArtifact, error)
	Load(ctx context.Context, arch Architecture, hp Hyperparams) (*Model, error)
}

// StagedArtifact is a written but not yet visible artifact
type StagedArtifact interface {
	Commit() error
	Discard()
}

// FileStore keeps the artifact as a single JSON document on disk
type FileStore struct {
	Path string
}

// NewFileStore creates a file-backed artifact store
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save stages the artifact and commits it immediately
func (s *FileStore) Save(ctx context.Context, m *Model) error {
	staged, err := s.Stage(ctx, m)
	if err != nil {
		return err
	}
	return staged.Commit()
}

// Stage writes the artifact to a temp file next to Path
func (s *FileStore) Stage(ctx context.Context, m *Model) (StagedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(bundle{
		Metadata:     m.Metadata(),
		Architecture: m.Architecture(),
		Weights:      *m.Snapshot(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".model-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp model file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write model file: %w", err)
	}
	return &stagedFile{tmp: tmp.Name(), dst: s.Path}, nil
}

type stagedFile struct {
	tmp string
	dst string
}

// Commit renames the temp file over the artifact path
func (f *stagedFile) Commit() error {
	if err := os.Rename(f.tmp, f.dst); err != nil {
		os.Remove(f.tmp)
		return fmt.Errorf("failed to move model file into place: %w", err)
	}
	return nil
}

// Discard removes the temp file
func (f *stagedFile) Discard() {
	os.Remove(f.tmp)
}

// Load reads the artifact and rebuilds the model. Every failure wraps models.ErrModelLoad.
func (s *FileStore) Load(ctx context.Context, arch Architecture, hp Hyperparams) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model file: %v", models.ErrModelLoad, err)
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal model: %v", models.ErrModelLoad, err)
	}
	if b.Metadata.Architecture != arch.Signature() || b.Architecture != arch {
		return nil, fmt.Errorf("%w: architecture %q does not match %q",
			models.ErrModelLoad, b.Metadata.Architecture, arch.Signature())
	}

	m := New(arch, hp, 1)
	if err := m.Restore(&b.Weights); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelLoad, err)
	}
	m.meta = b.Metadata
	return m, nil
}
