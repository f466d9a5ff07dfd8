package dht

import (
	"encoding/hex"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeBloom_EstimateAccuracy(t *testing.T) {
	seeds := &ScrapeBloom{}
	downloaders := &ScrapeBloom{}
	for i := 0; i < 50; i++ {
		seeds.Insert(net.IPv4(10, 0, byte(i/256), byte(i)))
		downloaders.Insert(net.IPv4(172, 16, byte(i/256), byte(i)))
	}

	assert.LessOrEqual(t, abs(seeds.EstimateCount()-50), 3)
	assert.LessOrEqual(t, abs(downloaders.EstimateCount()-50), 3)
}

func TestScrapeBloom_EmptyIsZero(t *testing.T) {
	f := &ScrapeBloom{}
	assert.Equal(t, 0, f.EstimateCount())
}

func TestScrapeBloom_RoundTripsThroughBytes(t *testing.T) {
	f := &ScrapeBloom{}
	f.Insert(net.IPv4(1, 2, 3, 4))
	decoded := FromBytes(f.Bytes())
	assert.Equal(t, f.Bytes(), decoded.Bytes())
}

// TestScrapeBloom_MatchesBEP33Vector reproduces the literal filter vector
// from BEP 33 (and the original implementation's "bloom_filter" test):
// inserting 256 sequential 192.0.2.0/24 addresses must produce this exact
// 256-byte digest and an estimated count of ~257.854.
func TestScrapeBloom_MatchesBEP33Vector(t *testing.T) {
	f := &ScrapeBloom{}
	for i := 0; i < 256; i++ {
		f.Insert(net.IPv4(192, 0, 2, byte(i)))
	}

	const want = "24c0004020043000102012743e00480037110820422110008000c0e302854835a05401a4045021302a306c060001881002d8a0a3a8001901b40a800900310008d2108110c2496a0028700010d804188b01415200082004088026411104a804048002002000080680828c400080cc40020c042c0494447280928041402104080d4240040414a41f0205654800b0811830d2020042b002c5800004a71d0204804a0028120a004c10017801490b834004044106005421000c86900a0020500203510060144e900100924a1018141a028012913f0041802250042280481200002004430804210101c08111c10801001080002038008211004266848606b035001048"
	wantBytes, err := hex.DecodeString(want)
	require.NoError(t, err)
	assert.Equal(t, wantBytes, f.Bytes())
	assert.Equal(t, 258, f.EstimateCount(), fmt.Sprintf("want ~257.854, got %d", f.EstimateCount()))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
