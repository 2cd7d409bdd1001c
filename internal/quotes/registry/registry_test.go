package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotehub.com/internal/quotes/model"
)

var (
	spy     = model.Alias{InstrumentID: 1, Symbol: "SPY"}
	vixCont = model.Alias{InstrumentID: 10, Symbol: "VIXCONTFUT"}
	vxf4    = model.Alias{InstrumentID: 2, Symbol: "VXF4"}
)

func key(id int) Key { return Key{Feed: "MockSource", InstrumentID: id, BarSize: model.FiveSeconds} }

func TestAcquire_FirstIsNew(t *testing.T) {
	r := New()
	assert.True(t, r.Acquire(key(1), "SPY", spy))
	assert.False(t, r.Acquire(key(1), "SPY", spy))
	assert.Equal(t, 2, r.Count(key(1), spy))
	assert.Equal(t, 1, r.Len())

	// 同合约不同 bar size 是另一个物理订阅
	other := Key{Feed: "MockSource", InstrumentID: 1, BarSize: model.OneMinute}
	assert.True(t, r.Acquire(other, "SPY", spy))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.FeedLen("MockSource"))
	assert.Zero(t, r.FeedLen("other"))
}

func TestRelease_BecameEmptyOnlyOnLast(t *testing.T) {
	r := New()
	r.Acquire(key(2), "VXF4", vxf4)
	r.Acquire(key(2), "VXF4", vixCont)
	r.Acquire(key(2), "VXF4", vixCont)

	empty, found := r.Release(key(2), vixCont)
	assert.True(t, found)
	assert.False(t, empty)
	empty, _ = r.Release(key(2), vixCont)
	assert.False(t, empty)
	assert.Equal(t, []model.Alias{vxf4}, r.Aliases(key(2)))

	empty, found = r.Release(key(2), vxf4)
	assert.True(t, found)
	assert.True(t, empty)
	assert.False(t, r.Has(key(2)))
	_, ok := r.KeyBySymbol("MockSource", "VXF4", model.FiveSeconds)
	assert.False(t, ok)
}

func TestRelease_UnknownIsNoop(t *testing.T) {
	r := New()
	empty, found := r.Release(key(1), spy)
	assert.False(t, empty)
	assert.False(t, found)

	r.Acquire(key(1), "SPY", spy)
	empty, found = r.Release(key(1), vixCont)
	assert.False(t, empty)
	assert.False(t, found)
	assert.Equal(t, 1, r.Count(key(1), spy))
}

func TestAliases_SnapshotIsStable(t *testing.T) {
	r := New()
	r.Acquire(key(2), "VXF4", vxf4)
	before := r.Aliases(key(2))
	r.Acquire(key(2), "VXF4", vixCont)

	assert.Equal(t, []model.Alias{vxf4}, before)
	assert.Equal(t, []model.Alias{vxf4, vixCont}, r.Aliases(key(2)))
}

func TestKeyBySymbol(t *testing.T) {
	r := New()
	r.Acquire(key(2), "VXF4", vixCont)
	k, ok := r.KeyBySymbol("MockSource", "VXF4", model.FiveSeconds)
	require.True(t, ok)
	assert.Equal(t, key(2), k)
	assert.Equal(t, "VXF4", r.Symbol(k))

	_, ok = r.KeyBySymbol("MockSource", "VXF4", model.OneMinute)
	assert.False(t, ok)
}

func TestSnapshotAndDrain(t *testing.T) {
	r := New()
	r.Acquire(key(2), "VXF4", vixCont)
	r.Acquire(key(1), "SPY", spy)
	r.Acquire(key(1), "SPY", spy)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, key(1), snap[0].Key)
	assert.Equal(t, []AliasCount{{Alias: spy, Count: 2}}, snap[0].Aliases)

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, r.Len())
	assert.Nil(t, r.Aliases(key(1)))
}

func TestRemove_DropsEveryAlias(t *testing.T) {
	r := New()
	r.Acquire(key(2), "VXF4", vxf4)
	r.Acquire(key(2), "VXF4", vixCont)
	r.Acquire(key(2), "VXF4", vixCont)

	assert.Equal(t, 2, r.Remove(key(2)))
	assert.False(t, r.Has(key(2)))
	assert.Zero(t, r.FeedLen("MockSource"))
	_, ok := r.KeyBySymbol("MockSource", "VXF4", model.FiveSeconds)
	assert.False(t, ok)

	assert.Zero(t, r.Remove(key(2)))
	assert.True(t, r.Acquire(key(2), "VXF4", vxf4))
}
