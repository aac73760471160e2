package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

const unknownLab = "unknown"

// BuildStats counts records built and skipped in one document.
type BuildStats struct {
	Built   map[string]int
	Skipped map[string]int
}

// Builder turns prepared submissions into typed records.
type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: func() time.Time { return time.Now().UTC() }}
}

// Build never fails as a whole: items that cannot be decoded are logged and
// skipped, the rest are returned. doc is not modified.
func (b *Builder) Build(doc Document) (*models.Batch, BuildStats) {
	stats := BuildStats{Built: map[string]int{}, Skipped: map[string]int{}}
	batch := &models.Batch{}
	ts := b.now()

	for _, kind := range models.Kinds {
		items, _ := doc[kindKeys[kind]].([]interface{})
		for i, item := range items {
			obj, _ := item.(map[string]interface{})
			origin, lab, err := b.buildOne(kind, obj, ts, batch)
			if err != nil {
				stats.Skipped[kind]++
				metrics.IncItemError(kind)
				logger.Log.WithError(err).WithFields(logrus.Fields{
					"kind":  kind,
					"index": i,
					"id":    obj["id"],
				}).Warn("skipping malformed record")
				continue
			}
			stats.Built[kind]++
			metrics.IncItem(kind, origin)
			switch kind {
			case models.KindBuild:
				metrics.IncBuild(origin, lab)
			case models.KindTest:
				metrics.IncTest(origin, lab)
			}
		}
	}
	return batch, stats
}

func (b *Builder) buildOne(kind string, obj map[string]interface{}, ts time.Time, batch *models.Batch) (origin, lab string, err error) {
	if obj == nil {
		return "", "", ValidationError{reason: errNotAnObject}
	}
	for _, field := range requiredFields[kind] {
		if v, ok := obj[field]; !ok || v == nil {
			return "", "", ValidationError{reason: fmt.Errorf("%s: %w", field, errMissingField)}
		}
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return "", "", ValidationError{reason: err}
	}

	switch kind {
	case models.KindIssue:
		var rec models.Issue
		if err := decodeRecord(raw, &rec); err != nil {
			return "", "", err
		}
		rec.FieldTimestamp = ts
		batch.Issues = append(batch.Issues, rec)
		return rec.Origin, "", nil
	case models.KindCheckout:
		var rec models.Checkout
		if err := decodeRecord(raw, &rec); err != nil {
			return "", "", err
		}
		rec.FieldTimestamp = ts
		batch.Checkouts = append(batch.Checkouts, rec)
		return rec.Origin, "", nil
	case models.KindBuild:
		var rec models.Build
		if err := decodeRecord(raw, &rec); err != nil {
			return "", "", err
		}
		rec.FieldTimestamp = ts
		batch.Builds = append(batch.Builds, rec)
		return rec.Origin, labOf(obj), nil
	case models.KindTest:
		var rec models.Test
		if err := decodeRecord(raw, &rec); err != nil {
			return "", "", err
		}
		rec.Flatten()
		rec.FieldTimestamp = ts
		batch.Tests = append(batch.Tests, rec)
		return rec.Origin, labOf(obj), nil
	case models.KindIncident:
		var rec models.Incident
		if err := decodeRecord(raw, &rec); err != nil {
			return "", "", err
		}
		rec.FieldTimestamp = ts
		batch.Incidents = append(batch.Incidents, rec)
		return rec.Origin, "", nil
	}
	return "", "", fmt.Errorf("unknown record kind %q", kind)
}

func decodeRecord(raw []byte, rec interface{}) error {
	if err := json.Unmarshal(raw, rec); err != nil {
		return ValidationError{reason: err}
	}
	return nil
}

// labOf reads the lab from misc.lab, falling back to misc.runtime.
func labOf(obj map[string]interface{}) string {
	misc, _ := obj["misc"].(map[string]interface{})
	for _, key := range []string{"lab", "runtime"} {
		if lab, ok := misc[key].(string); ok && lab != "" {
			return lab
		}
	}
	return unknownLab
}
