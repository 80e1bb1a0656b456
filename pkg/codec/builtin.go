package codec

// Convenience instances for the integer widths DBBouncer's wire parsers
// actually need. Codecs are stateless, so these are safe to share.
var (
	Uint8  = Native[uint8]{}
	Int8   = Native[int8]{}
	Uint16 = Native[uint16]{}
	Uint32 = Native[uint32]{}
	Uint64 = Native[uint64]{}

	Uint16LE = LittleEndian[uint16]{}
	Uint32LE = LittleEndian[uint32]{}
	Uint64LE = LittleEndian[uint64]{}

	Uint16BE = BigEndian[uint16]{}
	Uint32BE = BigEndian[uint32]{}
	Uint64BE = BigEndian[uint64]{}
)
