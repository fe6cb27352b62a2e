package ecschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{
			name:   "valid azure lrc",
			schema: Schema{EncodeType: AzureLRC, K: 8, G: 2, L: 2, B: 4, X: 2},
		},
		{
			name:   "valid optimal cauchy",
			schema: Schema{EncodeType: OptimalCauchyLRC, K: 12, G: 3, L: 3, B: 4, X: 4},
		},
		{
			name:    "k not l*b",
			schema:  Schema{K: 8, G: 2, L: 2, B: 3, X: 2},
			wantErr: true,
		},
		{
			name:    "g zero",
			schema:  Schema{K: 8, G: 0, L: 2, B: 4, X: 2},
			wantErr: true,
		},
		{
			name:    "negative group size",
			schema:  Schema{K: 8, G: 2, L: 2, B: -4, X: 2},
			wantErr: true,
		},
		{
			name:    "zero merge group size",
			schema:  Schema{K: 8, G: 2, L: 2, B: 4, X: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrSchemaRejected)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDerivedQuantities(t *testing.T) {
	s := Schema{K: 8, G: 2, L: 2, B: 4, X: 2}
	assert.Equal(t, 1, s.BMod())
	assert.Equal(t, 3, s.ChunkSize())
	assert.Equal(t, 2, s.ClustersPerLocalGroup())

	even := Schema{K: 12, G: 2, L: 2, B: 6, X: 2}
	assert.Equal(t, 0, even.BMod())
	assert.Equal(t, 3, even.ClustersPerLocalGroup())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "Azure_LRC", AzureLRC.String())
	assert.Equal(t, "Optimal_Cauchy_LRC", OptimalCauchyLRC.String())
	assert.Equal(t, "DIS", DIS.String())
	assert.Equal(t, "OPT", OPT.String())
	assert.Equal(t, "Optimal", Optimal.String())
}
