package fwup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Magic opens every session header.
var Magic = [4]byte{'F', 'W', 'U', 'P'}

// HeaderSize is the magic followed by the little-endian u32 total.
const HeaderSize = 8

// Replies sent by the device.
var (
	ReplyOK         = []byte("OK")
	ReplyEraseStart = []byte("ERASE_START\n")
	ReplyEraseDone  = []byte("ERASE_DONE\n")
)

func headerOKReply(total uint32) []byte {
	b := []byte("HEADER_OK ")
	b = strconv.AppendUint(b, uint64(total), 10)
	return append(b, '\n')
}

/*
 * @Description: 生成会话头
 * @param total 负载总字节数
 * @return []byte
 */
func EncodeHeader(total uint32) []byte {
	b := make([]byte, HeaderSize)
	copy(b, Magic[:])
	binary.LittleEndian.PutUint32(b[4:], total)
	return b
}

/*
 * @Description: 解析会话头
 * @param data 至少 8 字节
 * @return total 负载总字节数
 * @return rest 头后面的负载
 * @return err
 */
func parseHeader(data []byte) (total uint32, rest []byte, err error) {
	if len(data) < HeaderSize {
		return 0, nil, &HeaderError{Reason: "short header", Got: data}
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return 0, nil, &HeaderError{Reason: "bad magic", Got: data[:HeaderSize]}
	}
	return binary.LittleEndian.Uint32(data[4:HeaderSize]), data[HeaderSize:], nil
}

// looksLikeHeader reports whether data opens with a complete header.
func looksLikeHeader(data []byte) bool {
	return len(data) >= HeaderSize && bytes.Equal(data[:4], Magic[:])
}

// magicPrefix reports whether data could still grow into the magic.
func magicPrefix(data []byte) bool {
	n := min(len(data), len(Magic))
	return bytes.Equal(data[:n], Magic[:n])
}

// indexReply finds reply in buf as a whole word, so the OK inside
// "HEADER_OK" or "OKAY" does not count as completion.
func indexReply(buf, reply []byte) int {
	off := 0
	for {
		i := bytes.Index(buf[off:], reply)
		if i < 0 {
			return -1
		}
		i += off
		end := i + len(reply)
		before := i == 0 || !isWordByte(buf[i-1])
		after := end == len(buf) || !isWordByte(reply[len(reply)-1]) || !isWordByte(buf[end])
		if before && after {
			return i
		}
		off = i + 1
	}
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

func formatCRC(sum uint32) string {
	return fmt.Sprintf("%08X", sum)
}

func formatSize(n uint32) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatUint(uint64(n>>20), 10) + " MiB"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatUint(uint64(n>>10), 10) + " KiB"
	default:
		return strconv.FormatUint(uint64(n), 10) + " B"
	}
}
