package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidate(t *testing.T) {
	schema := NewKCIDBSchema()

	tests := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"scenario A", scenarioA, true},
		{"v4 submission", submissionV4, true},
		{"version only", `{"version": {"major": 5, "minor": 0}}`, true},
		{"unknown status", invalidSubmission, false},
		{"missing version", `{"checkouts": []}`, false},
		{"unsupported major", `{"version": {"major": 3, "minor": 0}}`, false},
		{"fractional minor", `{"version": {"major": 5, "minor": 1.5}}`, false},
		{"checkouts not an array", `{"version": {"major": 5, "minor": 3}, "checkouts": {}}`, false},
		{"bad origin", `{"version": {"major": 5, "minor": 3}, "checkouts": [{"id": "Bad:c", "origin": "Bad"}]}`, false},
		{"id without origin prefix", `{"version": {"major": 5, "minor": 3}, "checkouts": [{"id": "c1", "origin": "maestro"}]}`, false},
		{"build missing checkout_id", `{"version": {"major": 5, "minor": 3}, "builds": [{"id": "o:b", "origin": "o"}]}`, false},
		{"issue negative version", `{"version": {"major": 5, "minor": 3}, "issues": [{"id": "o:i", "origin": "o", "version": -1}]}`, false},
		{"incident missing issue_version", `{"version": {"major": 5, "minor": 3}, "incidents": [{"id": "o:x", "origin": "o", "issue_id": "o:i"}]}`, false},
		{"v4 build valid not bool", `{"version": {"major": 4, "minor": 0}, "builds": [{"id": "o:b", "origin": "o", "checkout_id": "o:c", "valid": "yes"}]}`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(parseDoc(t, tc.doc))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %T", err)
		})
	}
}

func TestSchemaUpgradeFromV4(t *testing.T) {
	schema := NewKCIDBSchema()
	doc := parseDoc(t, submissionV4)
	require.NoError(t, schema.Validate(doc))

	upgraded, err := schema.Upgrade(doc)
	require.NoError(t, err)

	version := upgraded["version"].(map[string]interface{})
	assert.Equal(t, float64(5), version["major"])
	assert.Equal(t, float64(3), version["minor"])

	builds := upgraded["builds"].([]interface{})
	b1 := builds[0].(map[string]interface{})
	b2 := builds[1].(map[string]interface{})
	assert.Equal(t, "FAIL", b1["status"])
	assert.Equal(t, "PASS", b2["status"])
	assert.NotContains(t, b1, "valid")

	// the result is itself valid
	assert.NoError(t, schema.Validate(upgraded))
}

func TestSchemaUpgradeV5KeepsRecords(t *testing.T) {
	schema := NewKCIDBSchema()
	doc := parseDoc(t, `{"version": {"major": 5, "minor": 0}, "builds": [{"id": "o:b", "origin": "o", "checkout_id": "o:c", "status": "MISS"}]}`)

	upgraded, err := schema.Upgrade(doc)
	require.NoError(t, err)
	build := upgraded["builds"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "MISS", build["status"])
	assert.Equal(t, float64(3), upgraded["version"].(map[string]interface{})["minor"])
}
