package upsert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlanteq/registryingest/internal/ingest/model"
)

func rec(code, name string) model.MappedRecord {
	return model.MappedRecord{
		Values:  map[string]any{"code": code, "name": name},
		Columns: []string{"code", "name"},
	}
}

func TestDedupe_LastOccurrenceWins(t *testing.T) {
	batch := []model.MappedRecord{rec("K", "A"), rec("K", "B")}
	out := dedupe([]string{"code"}, batch)

	assert.Len(t, out, 1)
	assert.Equal(t, "B", out[0].Values["name"])
}

func TestDedupe_DistinctKeysAllKept(t *testing.T) {
	batch := []model.MappedRecord{rec("K1", "A"), rec("K2", "B"), rec("K3", "C")}
	out := dedupe([]string{"code"}, batch)
	assert.Len(t, out, 3)
}

func TestDedupe_PreservesRelativeOrderOfSurvivors(t *testing.T) {
	batch := []model.MappedRecord{rec("K1", "A"), rec("K2", "B"), rec("K1", "A2")}
	out := dedupe([]string{"code"}, batch)
	require_order := []string{"K2", "K1"}
	assert.Len(t, out, 2)
	var gotOrder []string
	for _, r := range out {
		gotOrder = append(gotOrder, r.Values["code"].(string))
	}
	assert.Equal(t, require_order, gotOrder)
}
