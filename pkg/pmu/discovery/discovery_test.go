package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu/discovery"
)

func TestParseTableDecodesPFSAndBoxes(t *testing.T) {
	pfsDW0 := uint32(0x05) | uint32(2)<<8 | uint32(16)<<16 // tpmi_id=5, num_entries=2, entry_size=16
	pfsDW1 := uint32(0x40)
	box0DW0 := uint32(4) | uint32(0x10)<<8 | uint32(48)<<16 // num_regs=4, ctrl_offset=0x10, bit_width=48
	box0DW1 := uint32(1) << 8                                // access_type=MMIO
	box1DW0 := uint32(2) | uint32(0x20)<<8 | uint32(24)<<16
	box1DW1 := uint32(2) << 8 // access_type=PCICFG

	raw := []uint32{pfsDW0, pfsDW1, box0DW0, box0DW1, box1DW0, box1DW1}

	pfs, boxes, err := discovery.ParseTable(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), pfs.TPMIID)
	assert.Equal(t, uint8(2), pfs.NumEntries)
	require.Len(t, boxes, 2)
	assert.Equal(t, uint8(48), boxes[0].BitWidth)
	assert.Equal(t, discovery.AccessMMIO, boxes[0].Access)
	assert.Equal(t, discovery.AccessPCICFG, boxes[1].Access)
}

func TestBoxStepRoundsUpToPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint64(1), discovery.Box{Access: discovery.AccessMSR, BitWidth: 48}.Step())
	assert.Equal(t, uint64(8), discovery.Box{Access: discovery.AccessMMIO, BitWidth: 48}.Step())
	assert.Equal(t, uint64(4), discovery.Box{Access: discovery.AccessPCICFG, BitWidth: 24}.Step())
	assert.Equal(t, uint64(1), discovery.Box{Access: discovery.AccessMMIO, BitWidth: 8}.Step())
}

func TestParseTableRejectsShortPayload(t *testing.T) {
	_, _, err := discovery.ParseTable([]uint32{1})
	assert.Error(t, err)
}
