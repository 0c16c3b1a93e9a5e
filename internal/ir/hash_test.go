package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tracked = []string{"category", "unit_price"}

func TestRowHashDeterminism(t *testing.T) {
	row := Row{"product_id": String("P1"), "category": String("toys"), "unit_price": MustDecimal("9.99")}

	h1, err := RowHash(row, tracked)
	require.NoError(t, err)
	h2, err := RowHash(row.Clone(), tracked)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestRowHashIgnoresUntrackedColumns(t *testing.T) {
	a := Row{"product_id": String("P1"), "category": String("toys"), "unit_price": MustDecimal("9.99"), "name": String("Robot")}
	b := Row{"product_id": String("P1"), "category": String("toys"), "unit_price": MustDecimal("9.99"), "name": String("Robot v2")}

	assert.Equal(t, MustRowHash(a, tracked), MustRowHash(b, tracked))
}

func TestRowHashChangesWithTrackedColumn(t *testing.T) {
	a := Row{"category": String("toys"), "unit_price": MustDecimal("9.99")}
	b := Row{"category": String("toys"), "unit_price": MustDecimal("10.99")}

	assert.NotEqual(t, MustRowHash(a, tracked), MustRowHash(b, tracked))
}

func TestRowHashDecimalScaleInsensitive(t *testing.T) {
	a := Row{"category": String("toys"), "unit_price": MustDecimal("9.90")}
	b := Row{"category": String("toys"), "unit_price": MustDecimal("9.9")}

	assert.Equal(t, MustRowHash(a, tracked), MustRowHash(b, tracked))
}

func TestRowHashMissingEqualsNull(t *testing.T) {
	a := Row{"category": String("toys")}
	b := Row{"category": String("toys"), "unit_price": Null{}}

	assert.Equal(t, MustRowHash(a, tracked), MustRowHash(b, tracked))
}

func TestRowHashNullDiffersFromEmptyString(t *testing.T) {
	a := Row{"category": Null{}, "unit_price": Null{}}
	b := Row{"category": String(""), "unit_price": Null{}}

	assert.NotEqual(t, MustRowHash(a, tracked), MustRowHash(b, tracked))
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain("martsync/a/v1", data), hashWithDomain("martsync/b/v1", data))
}
