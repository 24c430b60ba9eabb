package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
)

func loadBoard(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadFile("testdata/board.cue")
	require.NoError(t, err)
	return reg
}

func TestLoadFile_CollectsDefinitions(t *testing.T) {
	reg := loadBoard(t)

	assert.Equal(t, []string{"card", "lane"}, reg.Types())
	assert.True(t, reg.Known("card"))
	assert.False(t, reg.Known("world"))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/nope.cue")
	require.Error(t, err)
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile([]byte(`#card: {`), "broken.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile schema")
}

func TestCompile_NoDefinitions(t *testing.T) {
	_, err := Compile([]byte(`card: {title: string}`), "plain.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no #type definitions")
}

func TestValidate(t *testing.T) {
	reg := loadBoard(t)

	tests := []struct {
		name    string
		typ     string
		rec     ir.Record
		wantErr bool
	}{
		{
			name: "valid card",
			typ:  "card",
			rec:  ir.Record{"id": "c1", "title": "A", "laneId": "l1", "updated_at": int64(1700000000000)},
		},
		{
			name: "card allows extra fields",
			typ:  "card",
			rec:  ir.Record{"id": "c1", "title": "A", "color": "red", "updated_at": int64(1)},
		},
		{
			name: "card with json number order",
			typ:  "card",
			rec:  ir.Record{"id": "c1", "title": "A", "order": json.Number("1.5"), "updated_at": json.Number("2")},
		},
		{
			name:    "card missing title",
			typ:     "card",
			rec:     ir.Record{"id": "c1", "updated_at": int64(1)},
			wantErr: true,
		},
		{
			name:    "card empty title",
			typ:     "card",
			rec:     ir.Record{"id": "c1", "title": "", "updated_at": int64(1)},
			wantErr: true,
		},
		{
			name:    "card title wrong kind",
			typ:     "card",
			rec:     ir.Record{"id": "c1", "title": 7, "updated_at": int64(1)},
			wantErr: true,
		},
		{
			name: "valid lane",
			typ:  "lane",
			rec:  ir.Record{"id": "l1", "name": "Todo", "order": 0, "updated_at": int64(1)},
		},
		{
			name:    "lane is closed",
			typ:     "lane",
			rec:     ir.Record{"id": "l1", "name": "Todo", "color": "red", "updated_at": int64(1)},
			wantErr: true,
		},
		{
			name:    "lane negative order",
			typ:     "lane",
			rec:     ir.Record{"id": "l1", "name": "Todo", "order": -1, "updated_at": int64(1)},
			wantErr: true,
		},
		{
			name:    "unknown type",
			typ:     "world",
			rec:     ir.Record{"id": "w1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.typ, tt.rec)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, ir.IsCode(err, ir.CodeInvalidAction), "got %v", err)
		})
	}
}
