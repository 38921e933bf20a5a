package utils

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMeasureDBQuery_LogsQuery(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	done := MeasureDBQuery("save_snapshot", log)
	duration := done(3)

	assert.GreaterOrEqual(t, duration.Nanoseconds(), int64(0))
	assert.Contains(t, buf.String(), `"query":"save_snapshot"`)
	assert.Contains(t, buf.String(), `"rows_affected":3`)
	assert.NotContains(t, buf.String(), "Slow database query")
}
