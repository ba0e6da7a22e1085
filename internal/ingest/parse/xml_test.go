package parse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlanteq/registryingest/internal/ingest/model"
)

const threeRecordXML = `<?xml version="1.0" encoding="UTF-8"?>
<DATA>
  <RECORD><EDRPOU>11111111</EDRPOU><NAME>Alpha</NAME></RECORD>
  <RECORD><EDRPOU>22222222</EDRPOU><NAME>Beta</NAME></RECORD>
  <RECORD><EDRPOU>33333333</EDRPOU><NAME>Gamma</NAME></RECORD>
</DATA>`

func TestParseXML_EmitsOneRecordPerElement(t *testing.T) {
	var got []model.RawRecord
	sink := func(_ context.Context, batch []model.RawRecord) error {
		got = append(got, batch...)
		return nil
	}

	parsed, err := ParseXML(context.Background(), strings.NewReader(threeRecordXML), "DATA.RECORD", nil, 10, sink)
	require.NoError(t, err)
	assert.Equal(t, 3, parsed)
	require.Len(t, got, 3)
	assert.Equal(t, "11111111", got[0]["EDRPOU"])
	assert.Equal(t, "Beta", got[1]["NAME"])
}

func TestParseXML_FlushesAtBatchSize(t *testing.T) {
	var batchSizes []int
	sink := func(_ context.Context, batch []model.RawRecord) error {
		batchSizes = append(batchSizes, len(batch))
		return nil
	}

	_, err := ParseXML(context.Background(), strings.NewReader(threeRecordXML), "DATA.RECORD", nil, 2, sink)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, batchSizes)
}

func TestParseXML_RepeatedChildAccumulatesList(t *testing.T) {
	const xmlWithFounders = `<DATA>
	  <RECORD>
	    <EDRPOU>11111111</EDRPOU>
	    <FOUNDER>A</FOUNDER>
	    <FOUNDER>B</FOUNDER>
	  </RECORD>
	</DATA>`

	var got []model.RawRecord
	sink := func(_ context.Context, batch []model.RawRecord) error {
		got = append(got, batch...)
		return nil
	}

	_, err := ParseXML(context.Background(), strings.NewReader(xmlWithFounders), "DATA.RECORD", map[string]bool{"FOUNDER": true}, 10, sink)
	require.NoError(t, err)
	require.Len(t, got, 1)
	founders, ok := got[0]["FOUNDER"].([]model.RawRecord)
	require.True(t, ok)
	assert.Len(t, founders, 2)
}

func TestParseXML_MidFileErrorReturnsPartialCount(t *testing.T) {
	const truncated = `<DATA><RECORD><EDRPOU>1</EDRPOU></RECORD><RECORD><EDRPOU>2`

	var got []model.RawRecord
	sink := func(_ context.Context, batch []model.RawRecord) error {
		got = append(got, batch...)
		return nil
	}

	parsed, err := ParseXML(context.Background(), strings.NewReader(truncated), "DATA.RECORD", nil, 10, sink)
	assert.Error(t, err)
	assert.Equal(t, 1, parsed)
	assert.Len(t, got, 1)
}

func TestParseXML_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := func(_ context.Context, batch []model.RawRecord) error { return nil }
	_, err := ParseXML(ctx, strings.NewReader(threeRecordXML), "DATA.RECORD", nil, 10, sink)
	assert.ErrorIs(t, err, context.Canceled)
}
