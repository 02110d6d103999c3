package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"ipsentry/internal/model"
	"ipsentry/internal/outlier"
)

const snapshotVersion = 1

// snapshot is the persisted detector state: the fitted pair, the training
// buffer and the batch counter. Windows are not persisted.
type snapshot struct {
	Version     int                `json:"version"`
	SavedAt     time.Time          `json:"saved_at"`
	Fitted      bool               `json:"fitted"`
	Model       *outlier.Model     `json:"model,omitempty"`
	Buffer      []model.FeatureRow `json:"buffer"`
	BatchesSeen int                `json:"batches_seen"`
}

func (d *Detector) capture() snapshot {
	d.fitMu.Lock()
	defer d.fitMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.model.Load()
	return snapshot{
		Version:     snapshotVersion,
		SavedAt:     d.now(),
		Fitted:      m != nil,
		Model:       m,
		Buffer:      d.buffer.Snapshot(),
		BatchesSeen: d.batches,
	}
}

func (d *Detector) install(s snapshot) {
	d.fitMu.Lock()
	defer d.fitMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Fitted {
		d.model.Store(s.Model)
	} else {
		d.model.Store(nil)
	}
	d.buffer.Replace(s.Buffer)
	d.batches = s.BatchesSeen
	d.lastFitGen = s.BatchesSeen
}

// Save writes a gzip-compressed JSON snapshot to path, atomically replacing
// any previous file.
func (d *Detector) Save(path string) error {
	if path == "" {
		return errors.New("snapshot path is empty")
	}
	s := d.capture()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(s); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load replaces the model, buffer and batch counter with the snapshot at path.
func (d *Detector) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s, err := readSnapshot(f)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	d.install(s)
	if d.logger != nil {
		d.logger.Info("snapshot loaded", "path", path, "fitted", s.Fitted, "rows", len(s.Buffer), "batches_seen", s.BatchesSeen)
	}
	d.prom.SetModelState(s.Fitted, len(s.Buffer))
	return nil
}

func readSnapshot(r io.Reader) (snapshot, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return snapshot{}, err
	}
	defer zr.Close()
	var s snapshot
	if err := json.NewDecoder(zr).Decode(&s); err != nil {
		return snapshot{}, err
	}
	if s.Version != snapshotVersion {
		return snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Fitted && (s.Model == nil || s.Model.Vectorizer == nil || s.Model.Forest == nil) {
		return snapshot{}, errors.New("snapshot marked fitted without a model")
	}
	if s.Fitted && s.Model.Vectorizer.Dim() != s.Model.Forest.Dim {
		return snapshot{}, errors.New("snapshot vocabulary does not match forest")
	}
	return s, nil
}
