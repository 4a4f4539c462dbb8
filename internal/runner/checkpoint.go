package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/plan"
	"github.com/IliaW/enrollment-scrape-worker/internal/sink"
	jsoniter "github.com/json-iterator/go"
)

// checkpoint is the state of an unfinished run, saved after every completed batch.
type checkpoint struct {
	Site      string         `json:"site"`
	Plan      string         `json:"plan"`
	NextBatch int            `json:"next_batch"`
	Records   []model.Record `json:"records"`
	Requests  int            `json:"requests"`
	Failed    int            `json:"failed"`
	Blocked   int            `json:"blocked"`
	NotFound  int            `json:"not_found"`
	Anomalies int            `json:"parse_anomalies"`
	Fallbacks int            `json:"fallbacks"`
	SavedAt   time.Time      `json:"saved_at"`
}

// planFingerprint changes whenever the pages of a plan change, which invalidates
// checkpoints taken for an older configuration.
func planFingerprint(p *plan.Plan) string {
	hash := sha256.New()
	for _, b := range p.Batches {
		hash.Write([]byte(b.Name + "\n"))
		for _, req := range b.Pages {
			hash.Write([]byte(req.URL + "\n"))
		}
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func loadCheckpoint(path string) (*checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cp checkpoint
	if err = jsoniter.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

func saveCheckpoint(path string, cp *checkpoint) error {
	data, err := jsoniter.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return sink.WriteFileAtomic(path, data, 0o644)
}

func removeCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
