package container

import (
	"encoding/binary"

	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

// Props are fixed when the container is created.
type Props struct {
	PageSize int
	// ReservedSpacePct of every page is kept free by inserts so that
	// records on the page can grow in place.
	ReservedSpacePct int
	// MinimumRecordSize is the least space reserved for a record.
	MinimumRecordSize int
	// InitialPages is the number of pages preallocated on create.
	InitialPages int
	// ReusableRecordIDs lets a reused page hand out record ids again from
	// the start.
	ReusableRecordIDs bool
}

func DefaultProps() Props {
	return Props{
		PageSize:          page.DefaultPageSize,
		ReservedSpacePct:  20,
		MinimumRecordSize: 12,
		InitialPages:      1,
	}
}

func (p Props) Validate() error {
	if p.PageSize < page.MinPageSize || p.PageSize > page.MaxPageSize ||
		p.PageSize&(p.PageSize-1) != 0 {
		return rawerr.Protocol("page size %d is not a power of two in [%d, %d]",
			p.PageSize, page.MinPageSize, page.MaxPageSize)
	}
	if p.ReservedSpacePct < 0 || p.ReservedSpacePct > 100 {
		return rawerr.Protocol("reserved space %d%% is out of range", p.ReservedSpacePct)
	}
	if p.MinimumRecordSize < 0 || p.MinimumRecordSize > page.MaxRecordSpace(p.PageSize)/2 {
		return rawerr.TooLarge("minimum record size %d for page size %d",
			p.MinimumRecordSize, p.PageSize)
	}
	if p.InitialPages < 0 {
		return rawerr.Protocol("negative initial page count %d", p.InitialPages)
	}
	return nil
}

// ReservedBytes is the free space an insert must leave on a non-empty page.
func (p Props) ReservedBytes() int {
	return p.PageSize * p.ReservedSpacePct / 100
}

const propsSize = 4 + 1 + 2 + 4 + 1

func (p Props) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, propsSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.PageSize))          //nolint:gosec
	buf = append(buf, uint8(p.ReservedSpacePct))                          //nolint:gosec
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.MinimumRecordSize)) //nolint:gosec
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.InitialPages))      //nolint:gosec
	if p.ReusableRecordIDs {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

func (p *Props) UnmarshalBinary(data []byte) error {
	if len(data) != propsSize {
		return rawerr.Corruption("container properties of %d bytes", len(data))
	}

	p.PageSize = int(binary.BigEndian.Uint32(data[0:4]))
	p.ReservedSpacePct = int(data[4])
	p.MinimumRecordSize = int(binary.BigEndian.Uint16(data[5:7]))
	p.InitialPages = int(binary.BigEndian.Uint32(data[7:11]))
	p.ReusableRecordIDs = data[11] != 0
	return nil
}

// header is the record stored in slot 0 of page 0.
type header struct {
	dropped bool
	props   Props
}

func (h header) encode() []byte {
	props, _ := h.props.MarshalBinary()
	buf := make([]byte, 1, 1+len(props))
	if h.dropped {
		buf[0] = 1
	}
	return append(buf, props...)
}

func decodeHeader(data []byte) (header, error) {
	if len(data) == 0 {
		return header{}, rawerr.Corruption("empty container header")
	}

	var h header
	h.dropped = data[0] != 0
	if err := h.props.UnmarshalBinary(data[1:]); err != nil {
		return header{}, err
	}
	return h, nil
}

func readHeader(p *page.SlottedPage) (header, error) {
	if p.Type() != page.TypeHeader || p.NumSlots() == 0 {
		return header{}, rawerr.NotFound("container %s has no header", p.Ident().Container)
	}
	return decodeHeader(p.Slot(0).Data)
}
