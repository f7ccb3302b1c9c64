package core

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestAppendField_FramesLongStrings(t *testing.T) {
	s := strings.Repeat("a", 300)
	buf := appendField(nil, s)

	if got := binary.BigEndian.Uint32(buf[:4]); got != 300 {
		t.Errorf("length prefix: got %d, want 300", got)
	}
	if len(buf) != 4+300 {
		t.Errorf("framed length: got %d, want 304", len(buf))
	}
}

func TestAppendField_UnambiguousAcrossBoundaries(t *testing.T) {
	// The same concatenated bytes split at different field boundaries
	// must frame differently.
	a := appendField(appendField(nil, "ab"), "c")
	b := appendField(appendField(nil, "a"), "bc")
	if bytes.Equal(a, b) {
		t.Error("shifted field boundary produced identical framing")
	}
}
