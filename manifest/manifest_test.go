package manifest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeField appends a (name, type_index, forty_check) triple.
func encodeField(buf *bytes.Buffer, name string, typeIndex uint8) {
	encodeString(buf, name)
	buf.WriteByte(typeIndex)
	buf.WriteByte(fortyCheck)
}

func encodeString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func encodeStructure(kind uint8, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, 0x02, kind)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(payload)+4))
	out = append(out, l[:]...)
	out = append(out, payload...)
	return out
}

// buildManifest encodes a single table with one template + one value
// record: {SrcFileName: string, CRC: u32, Size: u64(i64 slot)}.
func buildManifest(t *testing.T, tableName, srcFileName string, crc uint32, size int64) []byte {
	t.Helper()

	var tmpl bytes.Buffer
	encodeField(&tmpl, "SrcFileName", typeString+1)
	encodeField(&tmpl, "CRC", typeU32+1)
	encodeField(&tmpl, "Size", typeI64+1)
	encodeString(&tmpl, "_TargetTable")
	tmpl.Write([]byte{0, 0}) // reserved
	encodeString(&tmpl, tableName)

	var val bytes.Buffer
	encodeString(&val, srcFileName)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	val.Write(crcBuf[:])
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	val.Write(sizeBuf[:])

	var out bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], 1) // 1 value record (+1 template implied)
	out.Write(count[:])
	out.Write(encodeStructure(0x01, tmpl.Bytes()))
	out.Write(encodeStructure(0x02, val.Bytes()))
	return out.Bytes()
}

func TestParseBinaryRoundTrip(t *testing.T) {
	data := buildManifest(t, "WizFileList", "Root.wad", 12345, 6789)

	tables, err := ParseBinary(data)
	require.NoError(t, err)
	require.Contains(t, tables, "WizFileList")
	require.Len(t, tables["WizFileList"], 1)

	rec := tables["WizFileList"][0]
	assert.Equal(t, "Root.wad", rec["SrcFileName"])
	assert.Equal(t, uint32(12345), rec["CRC"])
	assert.Equal(t, int64(6789), rec["Size"])
}

func TestParseBinaryZeroValues(t *testing.T) {
	data := buildManifest(t, "WizFileList", "empty.txt", 0, 0)

	tables, err := ParseBinary(data)
	require.NoError(t, err)
	rec := tables["WizFileList"][0]
	assert.Equal(t, uint32(0), rec["CRC"])
	assert.Equal(t, int64(0), rec["Size"])
}

func TestParseBinaryBadForty(t *testing.T) {
	var tmpl bytes.Buffer
	encodeString(&tmpl, "CRC")
	tmpl.WriteByte(typeU32 + 1)
	tmpl.WriteByte(0x29) // not 0x28
	encodeString(&tmpl, "_TargetTable")
	tmpl.Write([]byte{0, 0})
	encodeString(&tmpl, "T")

	var out bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], 0)
	out.Write(count[:])
	out.Write(encodeStructure(0x01, tmpl.Bytes()))

	_, err := ParseBinary(out.Bytes())
	assert.Error(t, err)
}

func TestParseBinaryBadMarker(t *testing.T) {
	var out bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], 0)
	out.Write(count[:])
	out.WriteByte(0x03) // bad marker, want 0x02
	out.WriteByte(0x01)
	out.Write([]byte{4, 0})

	_, err := ParseBinary(out.Bytes())
	assert.Error(t, err)
}

func TestParseBinaryValueBeforeTemplate(t *testing.T) {
	var val bytes.Buffer
	encodeString(&val, "x")

	var out bytes.Buffer
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], 0)
	out.Write(count[:])
	out.Write(encodeStructure(0x02, val.Bytes()))

	_, err := ParseBinary(out.Bytes())
	assert.Error(t, err)
}

func TestParseXML(t *testing.T) {
	doc := []byte(`<Files>
		<_TableList><x>1</x></_TableList>
		<About><y>2</y></About>
		<WizFileList>
			<Record><SrcFileName>Root.wad</SrcFileName><CRC>12345</CRC><Size>6789</Size></Record>
		</WizFileList>
	</Files>`)

	tables, err := ParseXML(doc)
	require.NoError(t, err)
	require.Contains(t, tables, "records")
	require.Len(t, tables["records"], 1)
	rec := tables["records"][0]
	assert.Equal(t, "Root.wad", rec["SrcFileName"])
	assert.Equal(t, 12345, rec["CRC"])
	assert.Equal(t, 6789, rec["Size"])
}

func TestIsMetaTable(t *testing.T) {
	assert.True(t, IsMetaTable("_TableList"))
	assert.True(t, IsMetaTable("About"))
	assert.False(t, IsMetaTable("WizFileList"))
}
