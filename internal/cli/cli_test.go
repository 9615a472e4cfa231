package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sage/config"
	"github.com/malbeclabs/sage/pkg/pipeline"
)

const buildingsCSV = `Building ID,Location,Size
B001,New York,50000
B002,Chicago,75000
B003,Boston,30000
`

const financialCSV = `Building ID,Date,Energy Costs
B001,2023-01-15,100
B001,2023-06-15,200
B001,2024-01-15,300
B002,2023-03-01,50
`

const manifestYAML = `datasets:
  - name: buildings
    path: buildings.csv
    identifiers: [Building ID]
  - name: financial
    path: financial.csv
    units:
      Energy Costs: usd
`

// mockLLM answers understanding prompts from a queue and fails phrasing,
// so answers are the rendered summary.
type mockLLM struct {
	mu         sync.Mutex
	understand []string
}

func (m *mockLLM) Complete(_ context.Context, systemPrompt, _ string, _ ...pipeline.CompleteOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.HasPrefix(systemPrompt, "You translate questions") || len(m.understand) == 0 {
		return "", errors.New("unavailable")
	}
	resp := m.understand[0]
	m.understand = m.understand[1:]
	return resp, nil
}

type result struct {
	stdout string
	stderr string
	err    error
}

func writeDatasets(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"buildings.csv": buildingsCSV,
		"financial.csv": financialCSV,
		"sage.yaml":     manifestYAML,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return filepath.Join(dir, "sage.yaml")
}

func execute(t *testing.T, llm pipeline.LLMClient, stdin string, args ...string) result {
	t.Helper()
	c := New(BuildInfo{Version: "test"})
	c.newLLM = func(*config.Config, *slog.Logger) (pipeline.LLMClient, error) {
		if llm == nil {
			return nil, errors.New("no model configured")
		}
		return llm, nil
	}

	cmd := c.Command()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	base := []string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "--cache-ttl", "0s"}
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(context.Background())
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestCLI_Schema(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)
	res := execute(t, nil, "", "schema", "--manifest", manifest)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "buildings (3 rows)")
	assert.Contains(t, res.stdout, "financial (4 rows)")
	assert.Contains(t, res.stdout, "Energy Costs")
	assert.Contains(t, res.stdout, "currency")

	res = execute(t, nil, "", "schema", "--json", "--manifest", manifest)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"row_count": 3`)
}

func TestCLI_RunPlan(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)
	planPath := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte(
		`{"sources": ["financial"], "aggregates": [{"column": "Energy Costs", "function": "sum"}], "time_period": {"year": 2023}}`,
	), 0o644))

	res := execute(t, nil, "", "run-plan", planPath, "--manifest", manifest)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Total Energy Costs in 2023 is $350.00.")
	assert.Contains(t, res.stdout, "$350.00")

	res = execute(t, nil,
		`{"sources": ["buildings"], "group_by": ["Location"], "aggregates": [{"column": "Size", "function": "sum"}]}`,
		"run-plan", "-", "--manifest", manifest)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Chicago")
	assert.Contains(t, res.stdout, "75,000")
}

func TestCLI_RunPlan_Invalid(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)
	res := execute(t, nil,
		`{"sources": ["financial"], "aggregates": [{"column": "Enrgy Costs", "function": "sum"}]}`,
		"run-plan", "-", "--manifest", manifest)
	require.ErrorIs(t, res.err, errInvalidPlan)
	assert.Contains(t, res.stderr, `unknown column "Enrgy Costs"`)

	res = execute(t, nil, "", "run-plan", "--manifest", manifest)
	require.Error(t, res.err)
}

func TestCLI_Ask(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)
	llm := &mockLLM{understand: []string{
		`{"sources": ["buildings"], "aggregates": [{"column": "Size", "function": "max"}]}`,
	}}
	res := execute(t, llm, "", "ask", "What", "is", "the", "largest", "building?", "--manifest", manifest, "--progress")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Maximum Size is 75,000 (Building ID B002).")
	assert.Contains(t, res.stderr, "... understanding")
	assert.Contains(t, res.stderr, "... complete")
}

func TestCLI_Ask_Interactive(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)
	llm := &mockLLM{understand: []string{
		`{"sources": ["buildings"], "aggregates": [{"column": "Size", "function": "max"}]}`,
	}}
	// The second question has no queued plan, so it is planned by keyword
	// matching against the first.
	res := execute(t, llm, "What is the largest building?\n\nand the lowest?\nexit\n",
		"ask", "--interactive", "--manifest", manifest)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Maximum Size is 75,000 (Building ID B002).")
	assert.Contains(t, res.stdout, "Minimum Size is 30,000 (Building ID B003).")
}

func TestCLI_Ask_Errors(t *testing.T) {
	t.Parallel()

	manifest := writeDatasets(t)

	res := execute(t, &mockLLM{}, "", "ask", "--manifest", manifest)
	require.ErrorContains(t, res.err, "a question is required")

	res = execute(t, nil, "", "ask", "hello", "--manifest", manifest)
	require.ErrorContains(t, res.err, "no model configured")

	res = execute(t, &mockLLM{}, "", "ask", "hello", "--manifest", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, res.err, "failed to read manifest")
}

func TestCLI_InvalidConfig(t *testing.T) {
	t.Parallel()

	res := execute(t, nil, "", "schema", "--max-rows", "0")
	require.ErrorIs(t, res.err, config.ErrInvalidConfig)
}

func TestCLI_HistoryNeedsPostgres(t *testing.T) {
	t.Parallel()

	res := execute(t, nil, "", "history")
	require.ErrorContains(t, res.err, "persistent interaction log")
}
