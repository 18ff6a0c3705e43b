// Package manifest decodes the vendor's record-oriented binary manifest
// format, and its XML alternate form, into tables of records (spec §4.2).
package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"unicode/utf16"

	"github.com/wizdiff/wizdiff/internal/wizerr"
)

// Meta tables the diff engine ignores.
const (
	TableList = "_TableList"
	About     = "About"
)

// Record is one decoded row: field name -> typed Go value (int64, int32,
// uint32, float32, float64, int8, uint8, uint16, int16, or string from the
// binary form; int or string from the XML form).
type Record map[string]interface{}

// Tables maps table name to its decoded records.
type Tables map[string][]Record

// field type indices, per the vendor type table (spec §4.2). typeIndex - 1
// is the index into this table.
const (
	typeI64 = iota
	typeI32
	typeU32
	typeF32
	typeI8
	typeU8
	typeU16
	typeF64
	typeString
	typeWString
	typeI16
)

const fortyCheck = 0x28

type templateField struct {
	name      string
	typeIndex uint8
}

type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *reader { return &reader{data: data} }

func (r *reader) eof() bool { return r.pos >= len(r.data) }

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) wstr() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if len(b)%2 != 0 {
		return "", fmt.Errorf("wstring byte length %d is odd", len(b))
	}
	u16s := make([]uint16, len(b)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16s)), nil
}

func (r *reader) readTyped(typeIndex uint8) (interface{}, error) {
	switch int(typeIndex) - 1 {
	case typeI64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case typeI32:
		v, err := r.u32()
		return int32(v), err
	case typeU32:
		return r.u32()
	case typeF32:
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil
	case typeI8:
		v, err := r.u8()
		return int8(v), err
	case typeU8:
		return r.u8()
	case typeU16:
		return r.u16()
	case typeF64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case typeString:
		return r.str()
	case typeWString:
		return r.wstr()
	case typeI16:
		v, err := r.u16()
		return int16(v), err
	default:
		return nil, fmt.Errorf("unknown type index %d", typeIndex)
	}
}

// parseTemplate reads a (name, type_index, forty_check) triple stream
// terminated by the _TargetTable sentinel.
func parseTemplate(r *reader) (tableName string, fields []templateField, err error) {
	for !r.eof() {
		name, err := r.str()
		if err != nil {
			return "", nil, wizerr.NewProtocol("parseTemplate: field name", err)
		}
		if name == "_TargetTable" {
			if _, err := r.take(2); err != nil {
				return "", nil, wizerr.NewProtocol("parseTemplate: reserved field", err)
			}
			tableName, err = r.str()
			if err != nil {
				return "", nil, wizerr.NewProtocol("parseTemplate: table name", err)
			}
			return tableName, fields, nil
		}
		typeIndex, err := r.u8()
		if err != nil {
			return "", nil, wizerr.NewProtocol("parseTemplate: type index", err)
		}
		check, err := r.u8()
		if err != nil {
			return "", nil, wizerr.NewProtocol("parseTemplate: forty check", err)
		}
		if check != fortyCheck {
			return "", nil, wizerr.NewProtocol("parseTemplate", fmt.Errorf("forty check byte was %#x, want %#x", check, fortyCheck))
		}
		fields = append(fields, templateField{name: name, typeIndex: typeIndex})
	}
	return "", nil, wizerr.NewProtocol("parseTemplate", fmt.Errorf("reached end of stream with no _TargetTable sentinel"))
}

func parseValue(r *reader, fields []templateField) (Record, error) {
	rec := Record{}
	for _, f := range fields {
		v, err := r.readTyped(f.typeIndex)
		if err != nil {
			return nil, wizerr.NewProtocol("parseValue: field "+f.name, err)
		}
		rec[f.name] = v
	}
	return rec, nil
}

// ParseBinary decodes the top-level length-tagged record stream of spec
// §4.2 into a table -> []Record mapping.
func ParseBinary(data []byte) (Tables, error) {
	r := newReader(data)
	tables := Tables{}

	for !r.eof() {
		count, err := r.u32()
		if err != nil {
			return nil, wizerr.NewProtocol("ParseBinary: record count", err)
		}

		var currentTable string
		var currentFields []templateField

		for i := uint32(0); i < count+1; i++ {
			marker, err := r.u8()
			if err != nil {
				return nil, wizerr.NewProtocol("ParseBinary: structure marker", err)
			}
			if marker != 0x02 {
				return nil, wizerr.NewProtocol("ParseBinary", fmt.Errorf("structure marker was %#x, want 0x02", marker))
			}
			kind, err := r.u8()
			if err != nil {
				return nil, wizerr.NewProtocol("ParseBinary: structure kind", err)
			}
			payloadLen, err := r.u16()
			if err != nil {
				return nil, wizerr.NewProtocol("ParseBinary: payload length", err)
			}
			if payloadLen < 4 {
				return nil, wizerr.NewProtocol("ParseBinary", fmt.Errorf("payload length %d shorter than 4-byte header", payloadLen))
			}
			payload, err := r.take(int(payloadLen) - 4)
			if err != nil {
				return nil, wizerr.NewProtocol("ParseBinary: payload", err)
			}
			pr := newReader(payload)

			switch kind {
			case 0x01:
				currentTable, currentFields, err = parseTemplate(pr)
				if err != nil {
					return nil, err
				}
			case 0x02:
				if currentFields == nil {
					return nil, wizerr.NewState("ParseBinary", fmt.Errorf("value record encountered before any template"))
				}
				rec, err := parseValue(pr, currentFields)
				if err != nil {
					return nil, err
				}
				tables[currentTable] = append(tables[currentTable], rec)
			default:
				return nil, wizerr.NewProtocol("ParseBinary", fmt.Errorf("unknown structure kind %d", kind))
			}
		}
	}

	return tables, nil
}

// xml manifest shape

type xmlNode struct {
	XMLName  xml.Name
	Content  []byte    `xml:",chardata"`
	Children []xmlNode `xml:",any"`
}

// ParseXML decodes the XML alternate manifest form into a single synthetic
// "records" table, per spec §4.2.
func ParseXML(data []byte) (Tables, error) {
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, wizerr.NewProtocol("ParseXML", err)
	}

	var records []Record
	for _, child := range root.Children {
		if child.XMLName.Local == TableList || child.XMLName.Local == About {
			continue
		}
		for _, grandchild := range child.Children {
			rec := Record{}
			for _, leaf := range grandchild.Children {
				text := string(bytes.TrimSpace(leaf.Content))
				if n, err := strconv.Atoi(text); err == nil {
					rec[leaf.XMLName.Local] = n
				} else {
					rec[leaf.XMLName.Local] = text
				}
			}
			records = append(records, rec)
		}
	}

	return Tables{"records": records}, nil
}

// IsMetaTable reports whether name is one of the tables the diff engine
// must skip ("_TableList", "About").
func IsMetaTable(name string) bool {
	return name == TableList || name == About
}
