package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mkID(b byte) NodeId {
	var id NodeId
	id[0] = b
	return id
}

func TestDistance_SameID(t *testing.T) {
	id := mkID(0x5f)
	d := Distance(id, id)
	assert.Equal(t, NodeId{}, d)
}

func TestDistance_XOR(t *testing.T) {
	a := mkID(0b10100000)
	b := mkID(0b00100000)
	d := Distance(a, b)
	assert.Equal(t, byte(0b10000000), d[0])
}

func TestCompare_CloserWins(t *testing.T) {
	target := NodeId{}
	near := mkID(0x01)
	far := mkID(0xF0)
	assert.Equal(t, -1, Compare(near, far, target))
	assert.Equal(t, 1, Compare(far, near, target))
	assert.Equal(t, 0, Compare(near, near, target))
}

func TestDistanceExp_EqualIsMinusOne(t *testing.T) {
	id := mkID(0x42)
	assert.Equal(t, -1, distanceExp(id, id))
}

func TestDistanceExp_HighestSetBit(t *testing.T) {
	a := NodeId{}
	b := NodeId{}
	b[0] = 0x01 // differs only in the last bit of the first byte
	assert.Equal(t, 7, distanceExp(a, b))

	b2 := NodeId{}
	b2[0] = 0x80 // differs in the first bit
	assert.Equal(t, 0, distanceExp(a, b2))
}

func TestMinDistanceExp(t *testing.T) {
	target := NodeId{}
	ids := []NodeId{mkID(0x80), mkID(0x01), mkID(0x40)}
	assert.Equal(t, 7, minDistanceExp(ids, target))
	assert.Equal(t, -1, minDistanceExp(nil, target))
}

func TestCommonPrefixLen(t *testing.T) {
	a := NodeId{}
	b := NodeId{}
	assert.Equal(t, IDLen*8, CommonPrefixLen(a, b))

	b[0] = 0x80
	assert.Equal(t, 0, CommonPrefixLen(a, b))

	b2 := NodeId{}
	b2[0] = 0x01
	assert.Equal(t, 7, CommonPrefixLen(a, b2))
}
