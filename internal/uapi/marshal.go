package uapi

import (
	"encoding/binary"
)

// Marshal converts a struct to its little-endian wire form
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *UblksrvCtrlCmd:
		return marshalCtrlCmd(val)
	case *UblksrvIOCmd:
		return marshalIOCmd(val)
	case *UblkParams:
		return marshalParams(val)
	case *UblksrvCtrlDevInfo:
		return marshalCtrlDevInfo(val)
	case *UblksrvIODesc:
		return marshalIODesc(val)
	default:
		panic(ErrInvalidType)
	}
}

// Unmarshal converts bytes back to a struct
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *UblksrvCtrlCmd:
		return unmarshalCtrlCmd(data, val)
	case *UblksrvIOCmd:
		return unmarshalIOCmd(data, val)
	case *UblkParams:
		return unmarshalParams(data, val)
	case *UblksrvCtrlDevInfo:
		return unmarshalCtrlDevInfo(data, val)
	case *UblksrvIODesc:
		return unmarshalIODesc(data, val)
	default:
		return ErrInvalidType
	}
}

func marshalCtrlCmd(cmd *UblksrvCtrlCmd) []byte {
	buf := make([]byte, SizeofCtrlCmd)
	PutCtrlCmd(buf, cmd)
	return buf
}

// PutCtrlCmd encodes cmd into buf, which must hold SizeofCtrlCmd bytes.
// The ring uses it to write straight into the SQE command area.
func PutCtrlCmd(buf []byte, cmd *UblksrvCtrlCmd) {
	_ = buf[SizeofCtrlCmd-1]
	binary.LittleEndian.PutUint32(buf[0:4], cmd.DevID)
	binary.LittleEndian.PutUint16(buf[4:6], cmd.QueueID)
	binary.LittleEndian.PutUint16(buf[6:8], cmd.Len)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Addr)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.Data)
	binary.LittleEndian.PutUint16(buf[24:26], cmd.DevPathLen)
	binary.LittleEndian.PutUint16(buf[26:28], cmd.Pad)
	binary.LittleEndian.PutUint32(buf[28:32], cmd.Reserved)
}

func unmarshalCtrlCmd(data []byte, cmd *UblksrvCtrlCmd) error {
	if len(data) < SizeofCtrlCmd {
		return ErrInsufficientData
	}

	cmd.DevID = binary.LittleEndian.Uint32(data[0:4])
	cmd.QueueID = binary.LittleEndian.Uint16(data[4:6])
	cmd.Len = binary.LittleEndian.Uint16(data[6:8])
	cmd.Addr = binary.LittleEndian.Uint64(data[8:16])
	cmd.Data = binary.LittleEndian.Uint64(data[16:24])
	cmd.DevPathLen = binary.LittleEndian.Uint16(data[24:26])
	cmd.Pad = binary.LittleEndian.Uint16(data[26:28])
	cmd.Reserved = binary.LittleEndian.Uint32(data[28:32])
	return nil
}

func marshalIOCmd(cmd *UblksrvIOCmd) []byte {
	buf := make([]byte, SizeofIOCmd)
	PutIOCmd(buf, cmd)
	return buf
}

// PutIOCmd encodes cmd into buf, which must hold SizeofIOCmd bytes.
func PutIOCmd(buf []byte, cmd *UblksrvIOCmd) {
	_ = buf[SizeofIOCmd-1]
	binary.LittleEndian.PutUint16(buf[0:2], cmd.QID)
	binary.LittleEndian.PutUint16(buf[2:4], cmd.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cmd.Result))
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Addr)
}

func unmarshalIOCmd(data []byte, cmd *UblksrvIOCmd) error {
	if len(data) < SizeofIOCmd {
		return ErrInsufficientData
	}

	cmd.QID = binary.LittleEndian.Uint16(data[0:2])
	cmd.Tag = binary.LittleEndian.Uint16(data[2:4])
	cmd.Result = int32(binary.LittleEndian.Uint32(data[4:8]))
	cmd.Addr = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

func marshalIODesc(d *UblksrvIODesc) []byte {
	buf := make([]byte, SizeofIODesc)
	binary.LittleEndian.PutUint32(buf[0:4], d.OpFlags)
	binary.LittleEndian.PutUint32(buf[4:8], d.NrSectors)
	binary.LittleEndian.PutUint64(buf[8:16], d.StartSector)
	binary.LittleEndian.PutUint64(buf[16:24], d.Addr)
	return buf
}

func unmarshalIODesc(data []byte, d *UblksrvIODesc) error {
	if len(data) < SizeofIODesc {
		return ErrInsufficientData
	}
	*d = IODescAt(data, 0)
	return nil
}

// IODescAt decodes the descriptor for tag from a mapped descriptor array.
func IODescAt(descs []byte, tag int) UblksrvIODesc {
	b := descs[tag*SizeofIODesc : (tag+1)*SizeofIODesc]
	return UblksrvIODesc{
		OpFlags:     binary.LittleEndian.Uint32(b[0:4]),
		NrSectors:   binary.LittleEndian.Uint32(b[4:8]),
		StartSector: binary.LittleEndian.Uint64(b[8:16]),
		Addr:        binary.LittleEndian.Uint64(b[16:24]),
	}
}

// marshalParams lays out the header followed by each enabled block in
// kernel order. Len is computed from the enabled blocks.
func marshalParams(params *UblkParams) []byte {
	size := SizeofParamsHeader
	if params.HasBasic() {
		size += SizeofParamBasic
	}
	if params.HasDiscard() {
		size += SizeofParamDiscard
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], params.Types)
	off := SizeofParamsHeader

	if params.HasBasic() {
		b := &params.Basic
		p := buf[off : off+SizeofParamBasic]
		binary.LittleEndian.PutUint32(p[0:4], b.Attrs)
		p[4] = b.LogicalBSShift
		p[5] = b.PhysicalBSShift
		p[6] = b.IOOptShift
		p[7] = b.IOMinShift
		binary.LittleEndian.PutUint32(p[8:12], b.MaxSectors)
		binary.LittleEndian.PutUint32(p[12:16], b.ChunkSectors)
		binary.LittleEndian.PutUint64(p[16:24], b.DevSectors)
		binary.LittleEndian.PutUint64(p[24:32], b.VirtBoundaryMask)
		off += SizeofParamBasic
	}

	if params.HasDiscard() {
		d := &params.Discard
		p := buf[off : off+SizeofParamDiscard]
		binary.LittleEndian.PutUint32(p[0:4], d.DiscardAlignment)
		binary.LittleEndian.PutUint32(p[4:8], d.DiscardGranularity)
		binary.LittleEndian.PutUint32(p[8:12], d.MaxDiscardSectors)
		binary.LittleEndian.PutUint32(p[12:16], d.MaxWriteZeroesSectors)
		binary.LittleEndian.PutUint16(p[16:18], d.MaxDiscardSegments)
		binary.LittleEndian.PutUint16(p[18:20], d.Reserved0)
	}

	params.Len = uint32(size)
	return buf
}

func unmarshalParams(data []byte, params *UblkParams) error {
	if len(data) < SizeofParamsHeader {
		return ErrInsufficientData
	}

	params.Len = binary.LittleEndian.Uint32(data[0:4])
	params.Types = binary.LittleEndian.Uint32(data[4:8])
	if int(params.Len) > len(data) {
		return ErrInsufficientData
	}
	off := SizeofParamsHeader

	if params.HasBasic() {
		if len(data) < off+SizeofParamBasic {
			return ErrInsufficientData
		}
		p := data[off : off+SizeofParamBasic]
		params.Basic = UblkParamBasic{
			Attrs:            binary.LittleEndian.Uint32(p[0:4]),
			LogicalBSShift:   p[4],
			PhysicalBSShift:  p[5],
			IOOptShift:       p[6],
			IOMinShift:       p[7],
			MaxSectors:       binary.LittleEndian.Uint32(p[8:12]),
			ChunkSectors:     binary.LittleEndian.Uint32(p[12:16]),
			DevSectors:       binary.LittleEndian.Uint64(p[16:24]),
			VirtBoundaryMask: binary.LittleEndian.Uint64(p[24:32]),
		}
		off += SizeofParamBasic
	}

	if params.HasDiscard() {
		if len(data) < off+SizeofParamDiscard {
			return ErrInsufficientData
		}
		p := data[off : off+SizeofParamDiscard]
		params.Discard = UblkParamDiscard{
			DiscardAlignment:      binary.LittleEndian.Uint32(p[0:4]),
			DiscardGranularity:    binary.LittleEndian.Uint32(p[4:8]),
			MaxDiscardSectors:     binary.LittleEndian.Uint32(p[8:12]),
			MaxWriteZeroesSectors: binary.LittleEndian.Uint32(p[12:16]),
			MaxDiscardSegments:    binary.LittleEndian.Uint16(p[16:18]),
			Reserved0:             binary.LittleEndian.Uint16(p[18:20]),
		}
	}
	return nil
}

// MarshalError is returned for malformed or unsupported payloads
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

func marshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	buf := make([]byte, SizeofCtrlDevInfo)

	binary.LittleEndian.PutUint16(buf[0:2], info.NrHwQueues)
	binary.LittleEndian.PutUint16(buf[2:4], info.QueueDepth)
	binary.LittleEndian.PutUint16(buf[4:6], info.State)
	binary.LittleEndian.PutUint16(buf[6:8], info.Pad0)
	binary.LittleEndian.PutUint32(buf[8:12], info.MaxIOBufBytes)
	binary.LittleEndian.PutUint32(buf[12:16], info.DevID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(info.UblksrvPID))
	binary.LittleEndian.PutUint32(buf[20:24], info.Pad1)
	binary.LittleEndian.PutUint64(buf[24:32], info.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], info.UblksrvFlags)
	binary.LittleEndian.PutUint32(buf[40:44], info.OwnerUID)
	binary.LittleEndian.PutUint32(buf[44:48], info.OwnerGID)
	binary.LittleEndian.PutUint64(buf[48:56], info.Reserved1)
	binary.LittleEndian.PutUint64(buf[56:64], info.Reserved2)

	return buf
}

func unmarshalCtrlDevInfo(data []byte, info *UblksrvCtrlDevInfo) error {
	if len(data) < SizeofCtrlDevInfo {
		return ErrInsufficientData
	}

	info.NrHwQueues = binary.LittleEndian.Uint16(data[0:2])
	info.QueueDepth = binary.LittleEndian.Uint16(data[2:4])
	info.State = binary.LittleEndian.Uint16(data[4:6])
	info.Pad0 = binary.LittleEndian.Uint16(data[6:8])
	info.MaxIOBufBytes = binary.LittleEndian.Uint32(data[8:12])
	info.DevID = binary.LittleEndian.Uint32(data[12:16])
	info.UblksrvPID = int32(binary.LittleEndian.Uint32(data[16:20]))
	info.Pad1 = binary.LittleEndian.Uint32(data[20:24])
	info.Flags = binary.LittleEndian.Uint64(data[24:32])
	info.UblksrvFlags = binary.LittleEndian.Uint64(data[32:40])
	info.OwnerUID = binary.LittleEndian.Uint32(data[40:44])
	info.OwnerGID = binary.LittleEndian.Uint32(data[44:48])
	info.Reserved1 = binary.LittleEndian.Uint64(data[48:56])
	info.Reserved2 = binary.LittleEndian.Uint64(data[56:64])
	return nil
}

// MarshalCtrlDevInfo is a convenience function for external use
func MarshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	return marshalCtrlDevInfo(info)
}

// UnmarshalCtrlDevInfo is a convenience function for external use
func UnmarshalCtrlDevInfo(data []byte) (*UblksrvCtrlDevInfo, error) {
	info := &UblksrvCtrlDevInfo{}
	if err := unmarshalCtrlDevInfo(data, info); err != nil {
		return nil, err
	}
	return info, nil
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
