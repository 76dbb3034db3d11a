package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MaxNesting 是 CheckBounds 接受的最大容器嵌套深度。
const MaxNesting = 256

// CheckBounds 遍历一段 msgpack 数据，确认每个长度头声明的大小都能被剩余字节容纳，且嵌套不超过 MaxNesting。
//
// 数组与映射的每个元素至少占 1 字节，字符串、二进制与扩展类型的负载逐字节存在。
// 通过检查的数据在解码时，解码器按长度头预分配的元素数不会超过 len(b)。
// 只检查第一个顶层值，尾随字节交由调用方处理。
func CheckBounds(b []byte) error {
	var (
		i       int
		pending uint64 = 1           // 所有层级尚未读到的值的个数
		open           = []uint64{1} // 每层容器尚未读到的值
	)
	for len(open) > 0 {
		if open[len(open)-1] == 0 {
			open = open[:len(open)-1]
			continue
		}
		if i >= len(b) {
			return fmt.Errorf("msgpack: truncated at offset %d (%d values pending)", i, pending)
		}
		c := b[i]
		i++
		open[len(open)-1]--
		pending--

		var skip, items uint64
		switch {
		case msgpcode.IsFixedNum(c), c == msgpcode.Nil, c == msgpcode.False, c == msgpcode.True:
		case msgpcode.IsFixedString(c):
			skip = uint64(c & msgpcode.FixedStrMask)
		case msgpcode.IsFixedArray(c):
			items = uint64(c & msgpcode.FixedArrayMask)
		case msgpcode.IsFixedMap(c):
			items = 2 * uint64(c&msgpcode.FixedMapMask)
		default:
			var (
				width int
				err   error
			)
			switch c {
			case msgpcode.Uint8, msgpcode.Int8:
				skip = 1
			case msgpcode.Uint16, msgpcode.Int16:
				skip = 2
			case msgpcode.Uint32, msgpcode.Int32, msgpcode.Float:
				skip = 4
			case msgpcode.Uint64, msgpcode.Int64, msgpcode.Double:
				skip = 8
			case msgpcode.FixExt1:
				skip = 1 + 1
			case msgpcode.FixExt2:
				skip = 1 + 2
			case msgpcode.FixExt4:
				skip = 1 + 4
			case msgpcode.FixExt8:
				skip = 1 + 8
			case msgpcode.FixExt16:
				skip = 1 + 16
			case msgpcode.Str8, msgpcode.Bin8:
				skip, width, err = readLength(b, i, 1)
			case msgpcode.Str16, msgpcode.Bin16:
				skip, width, err = readLength(b, i, 2)
			case msgpcode.Str32, msgpcode.Bin32:
				skip, width, err = readLength(b, i, 4)
			case msgpcode.Ext8:
				skip, width, err = readLength(b, i, 1)
				skip++
			case msgpcode.Ext16:
				skip, width, err = readLength(b, i, 2)
				skip++
			case msgpcode.Ext32:
				skip, width, err = readLength(b, i, 4)
				skip++
			case msgpcode.Array16:
				items, width, err = readLength(b, i, 2)
			case msgpcode.Array32:
				items, width, err = readLength(b, i, 4)
			case msgpcode.Map16:
				items, width, err = readLength(b, i, 2)
				items *= 2
			case msgpcode.Map32:
				items, width, err = readLength(b, i, 4)
				items *= 2
			default:
				return fmt.Errorf("msgpack: invalid code 0x%02x at offset %d", c, i-1)
			}
			if err != nil {
				return err
			}
			i += width
		}

		rest := uint64(len(b) - i)
		if skip > rest {
			return fmt.Errorf("msgpack: value at offset %d declares %d bytes, %d remain", i, skip, rest)
		}
		if pending+items > rest-skip {
			return fmt.Errorf("msgpack: collection at offset %d declares %d elements, %d bytes remain", i, items, rest-skip)
		}
		i += int(skip)
		if items > 0 {
			if len(open) > MaxNesting {
				return fmt.Errorf("msgpack: nesting deeper than %d at offset %d", MaxNesting, i)
			}
			open = append(open, items)
			pending += items
		}
	}
	return nil
}

// readLength 读取 off 处 width 字节的大端长度。
func readLength(b []byte, off, width int) (uint64, int, error) {
	if len(b)-off < width {
		return 0, 0, fmt.Errorf("msgpack: truncated length header at offset %d", off)
	}
	switch width {
	case 1:
		return uint64(b[off]), width, nil
	case 2:
		return uint64(binary.BigEndian.Uint16(b[off:])), width, nil
	default:
		return uint64(binary.BigEndian.Uint32(b[off:])), width, nil
	}
}
