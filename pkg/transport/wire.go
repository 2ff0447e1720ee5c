package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RegionRef locates a part's bytes inside a shared-memory segment.
type RegionRef struct {
	// Segment is the segment name the receiver attaches.
	Segment string `cbor:"1,keyasint"`

	// RegionID is 0 for the managed segment, else an unmanaged region id.
	RegionID uint64 `cbor:"2,keyasint"`

	// Offset of the payload from the start of the segment.
	Offset uint64 `cbor:"3,keyasint"`

	// Size of the payload.
	Size uint64 `cbor:"4,keyasint"`

	// Managed is set when the receiver holds a reference to the block and
	// must free it after use.
	Managed bool `cbor:"5,keyasint,omitempty"`

	// Block is the block's payload offset when it differs from Offset.
	Block uint64 `cbor:"6,keyasint,omitempty"`
}

// BlockOffset returns the offset identifying the underlying block.
func (r RegionRef) BlockOffset() uint64 {
	if r.Block != 0 {
		return r.Block
	}
	return r.Offset
}

var (
	refEncMode cbor.EncMode
	refDecMode cbor.DecMode
)

func init() {
	var err error
	refEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor encoder mode: %v", err))
	}
	refDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor decoder mode: %v", err))
	}
}

// RegionFrame encodes ref as a region frame.
func RegionFrame(ref RegionRef) (Frame, error) {
	data, err := refEncMode.Marshal(ref)
	if err != nil {
		return Frame{}, fmt.Errorf("encode region ref: %w", err)
	}
	return Frame{Flags: FlagRegion, Payload: data}, nil
}

// DecodeRegionRef decodes the payload of a region frame.
func DecodeRegionRef(f Frame) (RegionRef, error) {
	if !f.IsRegion() {
		return RegionRef{}, fmt.Errorf("%w: frame is not a region reference", ErrSocketError)
	}
	var ref RegionRef
	if err := refDecMode.Unmarshal(f.Payload, &ref); err != nil {
		return RegionRef{}, fmt.Errorf("%w: decode region ref: %w", ErrSocketError, err)
	}
	return ref, nil
}
