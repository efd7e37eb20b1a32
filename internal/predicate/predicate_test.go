package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPredicateKeepsEverything(t *testing.T) {
	var p *Predicate
	assert.True(t, p.Eval(map[string]any{"anything": 1}))
}

func TestSimpleComparison(t *testing.T) {
	p, err := Parse([]byte(`{"data.amount": {"$gt": 100}}`))
	require.NoError(t, err)

	assert.True(t, p.Eval(map[string]any{"amount": float64(150)}))
	assert.False(t, p.Eval(map[string]any{"amount": float64(50)}))
}

func TestInAndNin(t *testing.T) {
	p, err := Parse([]byte(`{"data.status": {"$in": ["active", "pending"]}}`))
	require.NoError(t, err)

	assert.True(t, p.Eval(map[string]any{"status": "active"}))
	assert.False(t, p.Eval(map[string]any{"status": "closed"}))

	pNin, err := Parse([]byte(`{"data.status": {"$nin": ["closed"]}}`))
	require.NoError(t, err)
	assert.True(t, pNin.Eval(map[string]any{"status": "active"}))
	assert.False(t, pNin.Eval(map[string]any{"status": "closed"}))
}

func TestAndOr(t *testing.T) {
	p, err := Parse([]byte(`{
		"$and": [
			{"data.amount": {"$gte": 10}},
			{"$or": [
				{"data.status": {"$eq": "active"}},
				{"data.status": {"$eq": "pending"}}
			]}
		]
	}`))
	require.NoError(t, err)

	assert.True(t, p.Eval(map[string]any{"amount": float64(10), "status": "pending"}))
	assert.False(t, p.Eval(map[string]any{"amount": float64(5), "status": "pending"}))
	assert.False(t, p.Eval(map[string]any{"amount": float64(10), "status": "closed"}))
}

func TestMissingColumnFailsComparison(t *testing.T) {
	p, err := Parse([]byte(`{"data.amount": {"$gt": 100}}`))
	require.NoError(t, err)
	assert.False(t, p.Eval(map[string]any{}))
}

func TestMalformedPredicateFailsAtParse(t *testing.T) {
	_, err := Parse([]byte(`{"$and": "not-an-array"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"data.amount": {"$bogus": 1}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"data.a": {"$eq": 1}, "data.b": {"$eq": 2}}`))
	assert.Error(t, err)
}

func TestNotEqual(t *testing.T) {
	p, err := Parse([]byte(`{"data.status": {"$ne": "closed"}}`))
	require.NoError(t, err)
	assert.True(t, p.Eval(map[string]any{"status": "active"}))
	assert.False(t, p.Eval(map[string]any{"status": "closed"}))
}
