package coap

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// OptionID identifies an option in a message.
type OptionID uint32

/*
   +-----+----+---+---+---+----------------+--------+--------+---------+
   | No. | C  | U | N | R | Name           | Format | Length | Default |
   +-----+----+---+---+---+----------------+--------+--------+---------+
   |   1 | x  |   |   | x | If-Match       | opaque | 0-8    | (none)  |
   |   3 | x  | x | - |   | Uri-Host       | string | 1-255  | (see    |
   |     |    |   |   |   |                |        |        | below)  |
   |   4 |    |   |   | x | ETag           | opaque | 1-8    | (none)  |
   |   5 | x  |   |   |   | If-None-Match  | empty  | 0      | (none)  |
   |   6 |    | x | - |   | Observe        | uint   | 0-3    | (none)  |
   |   7 | x  | x | - |   | Uri-Port       | uint   | 0-2    | (see    |
   |     |    |   |   |   |                |        |        | below)  |
   |   8 |    |   |   | x | Location-Path  | string | 0-255  | (none)  |
   |  11 | x  | x | - | x | Uri-Path       | string | 0-255  | (none)  |
   |  12 |    |   |   |   | Content-Format | uint   | 0-2    | (none)  |
   |  14 |    | x | - |   | Max-Age        | uint   | 0-4    | 60      |
   |  15 | x  | x | - | x | Uri-Query      | string | 0-255  | (none)  |
   |  17 | x  |   |   |   | Accept         | uint   | 0-2    | (none)  |
   |  20 |    |   |   | x | Location-Query | string | 0-255  | (none)  |
   |  23 | x  | x | - |   | Block2         | uint   | 0-3    | (none)  |
   |  27 | x  | x | - |   | Block1         | uint   | 0-3    | (none)  |
   |  28 |    | x | - |   | Size2          | uint   | 0-4    | (none)  |
   |  35 | x  | x | - |   | Proxy-Uri      | string | 1-1034 | (none)  |
   |  39 | x  | x | - |   | Proxy-Scheme   | string | 1-255  | (none)  |
   |  60 |    |   | x |   | Size1          | uint   | 0-4    | (none)  |
   +-----+----+---+---+---+----------------+--------+--------+---------+
*/

// Option IDs.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// isCritical reports whether an option number is critical (RFC 7252
// §5.4.1: the option number's least significant bit is the critical bit,
// independent of whether the number is recognized). An unrecognized
// critical option in an inbound message must not be silently dropped.
func isCritical(oid OptionID) bool {
	return oid&1 == 1
}

// Option value format (RFC 7252 section 3.2)
type valueFormat uint8

const (
	valueUnknown valueFormat = iota
	valueEmpty
	valueOpaque
	valueUint
	valueString
)

type optionDef struct {
	valueFormat valueFormat
	minLen      int
	maxLen      int
	repeatable  bool
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {valueFormat: valueOpaque, minLen: 0, maxLen: 8, repeatable: true},
	URIHost:       {valueFormat: valueString, minLen: 1, maxLen: 255},
	ETag:          {valueFormat: valueOpaque, minLen: 1, maxLen: 8, repeatable: true},
	IfNoneMatch:   {valueFormat: valueEmpty, minLen: 0, maxLen: 0},
	Observe:       {valueFormat: valueUint, minLen: 0, maxLen: 3},
	URIPort:       {valueFormat: valueUint, minLen: 0, maxLen: 2},
	LocationPath:  {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	URIPath:       {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	ContentFormat: {valueFormat: valueUint, minLen: 0, maxLen: 2},
	MaxAge:        {valueFormat: valueUint, minLen: 0, maxLen: 4},
	URIQuery:      {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Accept:        {valueFormat: valueUint, minLen: 0, maxLen: 2},
	LocationQuery: {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Block2:        {valueFormat: valueUint, minLen: 0, maxLen: 3},
	Block1:        {valueFormat: valueUint, minLen: 0, maxLen: 3},
	Size2:         {valueFormat: valueUint, minLen: 0, maxLen: 4},
	ProxyURI:      {valueFormat: valueString, minLen: 1, maxLen: 1034},
	ProxyScheme:   {valueFormat: valueString, minLen: 1, maxLen: 255},
	Size1:         {valueFormat: valueUint, minLen: 0, maxLen: 4},
}

// MediaType specifies the content type of a message.
type MediaType uint16

// Content types.
const (
	TextPlain     MediaType = 0  // text/plain;charset=utf-8
	AppLinkFormat MediaType = 40 // application/link-format
	AppXML        MediaType = 41 // application/xml
	AppOctets     MediaType = 42 // application/octet-stream
	AppExi        MediaType = 47 // application/exi
	AppJSON       MediaType = 50 // application/json
)

type option struct {
	ID    OptionID
	Value interface{}
}

func encodeInt(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 256:
		return []byte{byte(v)}
	case v < 65536:
		rv := []byte{0, 0}
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v < 16777216:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

func decodeInt(b []byte) uint32 {
	tmp := []byte{0, 0, 0, 0}
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp)
}

func (o option) toBytes() []byte {
	var v uint32

	switch i := o.Value.(type) {
	case string:
		return []byte(i)
	case []byte:
		return i
	case MediaType:
		v = uint32(i)
	case int:
		v = uint32(i)
	case int32:
		v = uint32(i)
	case uint:
		v = uint32(i)
	case uint32:
		v = i
	default:
		panic(fmt.Errorf("invalid type for option %x: %T (%v)",
			o.ID, o.Value, o.Value))
	}

	return encodeInt(v)
}

// parseOptionValue decodes a raw option value according to the registry.
// It returns ok=false for unrecognized options or illegal-length values, in
// which case the caller decides (based on criticality) whether to preserve
// the raw bytes or fail the decode.
func parseOptionValue(optionID OptionID, valueBuf []byte) (interface{}, bool) {
	def, known := optionDefs[optionID]
	if !known {
		return nil, false
	}
	if len(valueBuf) < def.minLen || len(valueBuf) > def.maxLen {
		return nil, false
	}
	switch def.valueFormat {
	case valueUint:
		intValue := decodeInt(valueBuf)
		if optionID == ContentFormat || optionID == Accept {
			return MediaType(intValue), true
		}
		return intValue, true
	case valueString:
		return string(valueBuf), true
	case valueOpaque, valueEmpty:
		cp := make([]byte, len(valueBuf))
		copy(cp, valueBuf)
		return cp, true
	}
	return nil, false
}

type options []option

func (o options) Len() int {
	return len(o)
}

func (o options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

func (o options) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
}

func (o options) Minus(oid OptionID) options {
	rv := options{}
	for _, opt := range o {
		if opt.ID != oid {
			rv = append(rv, opt)
		}
	}
	return rv
}

func (o options) sorted() options {
	cp := make(options, len(o))
	copy(cp, o)
	sort.Stable(&cp)
	return cp
}

// EncodeBlockValue packs (NUM, M, SZX) into the single unsigned integer
// carried by a Block1/Block2 option (RFC 7959 §2.2).
func EncodeBlockValue(num uint32, more bool, szx uint8) uint32 {
	v := num << 4
	if more {
		v |= 0x8
	}
	v |= uint32(szx & 0x7)
	return v
}

// DecodeBlockValue unpacks a Block1/Block2 option value into (NUM, M, SZX).
func DecodeBlockValue(v uint32) (num uint32, more bool, szx uint8) {
	num = v >> 4
	more = v&0x8 != 0
	szx = uint8(v & 0x7)
	return
}

// BlockSize returns the block size in bytes for a given SZX (0-6).
func BlockSize(szx uint8) int {
	if szx > 6 {
		szx = 6
	}
	return 1 << (uint(szx) + 4)
}

func optionStrings(vals []interface{}) []string {
	var rv []string
	for _, v := range vals {
		if s, ok := v.(string); ok {
			rv = append(rv, s)
		}
	}
	return rv
}

func joinPath(parts []string) string {
	return strings.Join(parts, "/")
}

// isSliceOfString is used by AddOption to fan a []string out into repeated
// options, e.g. a multi-segment URI-Path value.
func isSliceOfString(val interface{}) (reflect.Value, bool) {
	iv := reflect.ValueOf(val)
	if (iv.Kind() == reflect.Slice || iv.Kind() == reflect.Array) &&
		iv.Type().Elem().Kind() == reflect.String {
		return iv, true
	}
	return reflect.Value{}, false
}
