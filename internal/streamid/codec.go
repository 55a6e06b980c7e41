// Package streamid implements the reversible stream_id transform described
// in spec.md §6: a mixed-case alphanumeric encoding of
// (device_id[20], channel_id[20], ssrc[10]), ported field-for-field from
// the original implementation's symmetric bit-scrambling scheme so that
// stream_id values remain wire-compatible.
package streamid

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	deviceDigits  = 20
	channelDigits = 20
	ssrcDigits    = 10
	totalDigits   = deviceDigits + channelDigits + ssrcDigits // 50
	totalBits     = totalDigits * 4                           // 200
	fillBits      = 7
	groupSize     = 9
)

// digitDict is the digit dictionary used for the "quotient" part of a group.
var digitDict = [10]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9'}

// alphaDict is the 52-letter keyboard-ordered alphabet used for the
// "remainder" part of a group (top-to-bottom, left-to-right QWERTY columns).
var alphaDict = [52]byte{
	'q', 'a', 'z', 'w', 's', 'x', 'e', 'd', 'c', 'r', 'f', 'v', 't', 'g', 'b',
	'y', 'h', 'n', 'u', 'j', 'm', 'i', 'k', 'o', 'l', 'p',
	'Q', 'A', 'Z', 'W', 'S', 'X', 'E', 'D', 'C', 'R', 'F', 'V', 'T', 'G', 'B',
	'Y', 'H', 'N', 'U', 'J', 'M', 'I', 'K', 'O', 'L', 'P',
}

var alphaIndex = func() map[byte]int {
	m := make(map[byte]int, len(alphaDict))
	for i, c := range alphaDict {
		m[c] = i
	}
	return m
}()

// Encode packs (deviceID, channelID, ssrc) into a stream_id. Each argument
// must be the exact decimal-digit length the field documents; callers are
// expected to have already validated them (spec.md §6: "parameters
// validated by the caller").
func Encode(deviceID, channelID, ssrc string) (string, error) {
	if len(deviceID) != deviceDigits || len(channelID) != channelDigits || len(ssrc) != ssrcDigits {
		return "", fmt.Errorf("streamid: encode: want %d/%d/%d digit fields, got %d/%d/%d",
			deviceDigits, channelDigits, ssrcDigits, len(deviceID), len(channelID), len(ssrc))
	}

	raw := deviceID + channelID + ssrc
	bits := make([]byte, 0, totalBits)
	for i := 0; i < len(raw); i++ {
		d := raw[i] - '0'
		if d > 9 {
			return "", fmt.Errorf("streamid: encode: non-digit byte at %d", i)
		}
		bits = append(bits, fmt.Sprintf("%04b", d)...)
	}

	fill := randomFillBits(fillBits)

	// Insert one fill bit every 23 source bits, mirroring the original
	// implementation's index-based interleave exactly (once fill bits are
	// counted in, they sit at positions 47, 71, 95, ..., 191: every 24th
	// position starting at 47).
	padded := make([]byte, 0, totalBits+fillBits)
	fillIdx := 0
	for i, b := range bits {
		padded = append(padded, b)
		if i > 23 && i%23 == 0 && fillIdx < len(fill) {
			padded = append(padded, fill[fillIdx])
			fillIdx++
		}
	}

	var out strings.Builder
	for start := 0; start < len(padded); start += groupSize {
		group := append([]byte(nil), padded[start:start+groupSize]...)
		swapTriples(group)

		val, err := strconv.ParseUint(string(group), 2, 16)
		if err != nil {
			return "", fmt.Errorf("streamid: encode: parse group: %w", err)
		}
		circle := val / 52
		index := val % 52
		if circle > 0 {
			out.WriteByte(digitDict[circle-1])
		}
		out.WriteByte(alphaDict[index])
	}

	return out.String(), nil
}

// Decode inverts Encode, returning (deviceID, channelID, ssrc).
func Decode(streamID string) (deviceID, channelID, ssrc string, err error) {
	var bits strings.Builder
	pre := 0
	for i := 0; i < len(streamID); i++ {
		ch := streamID[i]
		if ch >= '0' && ch <= '9' {
			pre = (int(ch-'0') + 1) * 52
			continue
		}
		idx, ok := alphaIndex[ch]
		if !ok {
			return "", "", "", fmt.Errorf("streamid: decode: illegal character %q", ch)
		}
		val := pre + idx
		bits.WriteString(fmt.Sprintf("%09b", val))
		pre = 0
	}

	unswapped := []byte(bits.String())
	for start := 0; start+groupSize <= len(unswapped); start += groupSize {
		swapTriples(unswapped[start : start+groupSize])
	}

	// Drop the fill bits reinserted at the same stride used during encode.
	var clean strings.Builder
	next := 23 + 23 + 1 // 47: position of the first fill bit
	for i, b := range unswapped {
		if i == next {
			next += 23 + 1
			continue
		}
		clean.WriteByte(b)
	}

	cleanBits := clean.String()
	if len(cleanBits) != totalBits {
		return "", "", "", fmt.Errorf("streamid: decode: expected %d payload bits, got %d", totalBits, len(cleanBits))
	}

	var digits strings.Builder
	for start := 0; start < len(cleanBits); start += 4 {
		v, perr := strconv.ParseUint(cleanBits[start:start+4], 2, 8)
		if perr != nil {
			return "", "", "", fmt.Errorf("streamid: decode: parse nibble: %w", perr)
		}
		digits.WriteByte('0' + byte(v))
	}

	s := digits.String()
	return s[0:deviceDigits], s[deviceDigits : deviceDigits+channelDigits], s[deviceDigits+channelDigits:], nil
}

// swapTriples swaps the first and last byte of each 3-byte sub-chunk of a
// 9-byte group in place (self-inverse, matching the original's
// chunk.swap(0,2) step).
func swapTriples(group []byte) {
	for start := 0; start+3 <= len(group); start += 3 {
		group[start], group[start+2] = group[start+2], group[start]
	}
}

func randomFillBits(n int) []byte {
	out := make([]byte, n)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range out {
		if r.Intn(2) == 1 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return out
}
