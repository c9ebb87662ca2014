package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/taskq/internal/tasks"
)

func TestGenerateCSV(t *testing.T) {
	tests := []struct {
		typ    Type
		header string
		min    int
		max    int
	}{
		{typ: Sales, header: "id,date,product,quantity,amount", min: 50, max: 200},
		{typ: Inventory, header: "product,stock,warehouse,last_updated", min: 5, max: 5},
		{typ: Users, header: "id,name,email,registered_at,orders", min: 5, max: 5},
	}

	g := NewGenerator(1)
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			res, err := g.Generate(context.Background(), tt.typ, CSV)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, res.ReportType)
			assert.Equal(t, CSV, res.Format)
			assert.GreaterOrEqual(t, res.RowCount, tt.min)
			assert.LessOrEqual(t, res.RowCount, tt.max)
			assert.Equal(t, len(res.Content), res.ContentLength)

			lines, err := csv.NewReader(strings.NewReader(res.Content)).ReadAll()
			require.NoError(t, err)
			assert.Equal(t, tt.header, strings.Join(lines[0], ","))
			assert.Len(t, lines, res.RowCount+1)
		})
	}
}

func TestGenerateJSON(t *testing.T) {
	res, err := NewGenerator(2).Generate(context.Background(), Users, JSON)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &rows))
	require.Len(t, rows, 5)
	assert.Equal(t, "tanaka@example.com", rows[0]["email"])
	assert.EqualValues(t, 1, rows[0]["id"])
}

func TestGenerateUnknownType(t *testing.T) {
	_, err := NewGenerator(1).Generate(context.Background(), Type("payroll"), CSV)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestRegisteredTask(t *testing.T) {
	reg := tasks.NewRegistry()
	Register(reg, NewGenerator(3))
	h, ok := reg.Lookup(TaskName)
	require.True(t, ok)

	res, err := h(context.Background(), tasks.Invocation{
		Name: TaskName,
		Args: []json.RawMessage{json.RawMessage(`"inventory"`)},
	})
	require.NoError(t, err)
	r := res.(Result)
	assert.Equal(t, Inventory, r.ReportType)
	assert.Equal(t, CSV, r.Format)

	res, err = h(context.Background(), tasks.Invocation{
		Name: TaskName,
		Kwargs: map[string]json.RawMessage{
			"report_type": json.RawMessage(`"sales"`),
			"format":      json.RawMessage(`"json"`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, JSON, res.(Result).Format)

	_, err = h(context.Background(), tasks.Invocation{Name: TaskName, Args: []json.RawMessage{json.RawMessage(`"nope"`)}})
	assert.Error(t, err)
}
