package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
)

// TestScenarios runs every scenario under testdata/scenarios and compares
// its trace with testdata/golden.
//
// To regenerate golden files after an intended behavior change:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, sc))
		})
	}
}

func TestRunDir(t *testing.T) {
	suite, err := RunDir(context.Background(), "testdata/scenarios")
	require.NoError(t, err)
	assert.Equal(t, suite.Total, suite.Passed)
	assert.Zero(t, suite.Failed)
	assert.Empty(t, suite.Failures)
}

func TestSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.AddStepTrace(TraceEvent{
		Step:     1,
		Op:       OpInitiate,
		Outcome:  "ok",
		Transfer: "T1",
		Status:   domain.StatusInitiated,
		Owner:    "amina",
	})
	result.AddStepTrace(TraceEvent{Step: 2, Op: OpSync, Outcome: "ok"})
	result.Assets["cow-2"] = domain.Asset{ID: "cow-2", OwnerID: "juma", Active: false}
	result.Assets["cow-1"] = domain.Asset{ID: "cow-1", OwnerID: "amina", Active: true, ActiveTransferID: "T1"}

	data, err := Snapshot("format", result)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		`{"scenario":"format","type":"scenario"}`,
		`{"op":"initiate","outcome":"ok","owner":"amina","status":"INITIATED","step":1,"transfer":"T1","type":"step"}`,
		`{"dead":0,"op":"sync","outcome":"ok","pending":0,"step":2,"type":"step"}`,
		`{"active_transfer":"T1","asset":"cow-1","owner":"amina","type":"asset"}`,
		`{"active":false,"asset":"cow-2","owner":"juma","type":"asset"}`,
	}, lines)

	for _, line := range lines {
		_, err := canon.Decode([]byte(line))
		assert.NoError(t, err, line)
	}
}
