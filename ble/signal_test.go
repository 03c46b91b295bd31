package ble

import (
	"bytes"
	"math"
	"testing"

	"github.com/user/herald-blue/datatype"
)

func TestSignal_RSSIWireFormat(t *testing.T) {
	data := EncodeWriteRSSI(-100)
	if !bytes.Equal(data, []byte{0x00, 0xFF, 0x9C}) {
		t.Errorf("EncodeWriteRSSI(-100) = % X", []byte(data))
	}

	rssi, ok := DecodeWriteRSSI(datatype.Data{0x00, 0xFF, 0x9C})
	if !ok || rssi != -100 {
		t.Errorf("DecodeWriteRSSI = %d, %v", rssi, ok)
	}
}

func TestSignal_RSSIRoundTrip(t *testing.T) {
	for _, v := range []datatype.RSSI{0, -1, -100, 127, math.MinInt16, math.MaxInt16} {
		got, ok := DecodeWriteRSSI(EncodeWriteRSSI(v))
		if !ok || got != v {
			t.Errorf("round trip %d -> %d, %v", v, got, ok)
		}
	}

	// Out of range values are clamped
	if got, _ := DecodeWriteRSSI(EncodeWriteRSSI(-40000)); got != math.MinInt16 {
		t.Errorf("clamped low = %d", got)
	}
	if got, _ := DecodeWriteRSSI(EncodeWriteRSSI(40000)); got != math.MaxInt16 {
		t.Errorf("clamped high = %d", got)
	}
}

func TestSignal_DecodeRSSITooShort(t *testing.T) {
	for _, data := range []datatype.Data{nil, {0x00}, {0x00, 0xFF}} {
		if _, ok := DecodeWriteRSSI(data); ok {
			t.Errorf("DecodeWriteRSSI(% X) should be absent", []byte(data))
		}
	}
}

func TestSignal_PayloadRoundTrip(t *testing.T) {
	payloads := []datatype.PayloadData{
		{},
		{0x42},
		bytes.Repeat([]byte{0x5A}, 129),
		bytes.Repeat([]byte{0x01}, math.MaxUint16),
	}
	for _, p := range payloads {
		data, ok := EncodeWritePayload(p)
		if !ok {
			t.Fatalf("EncodeWritePayload(%d bytes) failed", len(p))
		}
		if DetectSignalCharacteristicData(data) != SignalCharacteristicDataPayload {
			t.Errorf("detect = %v", DetectSignalCharacteristicData(data))
		}
		got, ok := DecodeWritePayload(data)
		if !ok || !got.Equal(p) {
			t.Errorf("round trip of %d bytes failed", len(p))
		}
		if n, ok := SignalFrameLength(data); !ok || n != data.Len() {
			t.Errorf("SignalFrameLength = %d, %v, want %d", n, ok, data.Len())
		}
	}

	if _, ok := EncodeWritePayload(make(datatype.PayloadData, math.MaxUint16+1)); ok {
		t.Error("payload longer than 65535 should not encode")
	}
}

func TestSignal_PayloadIncompleteIsAbsent(t *testing.T) {
	data, _ := EncodeWritePayload(datatype.PayloadData("0123456789ABCDEF"))
	for cut := 0; cut < data.Len(); cut++ {
		partial := data[:cut]
		if _, ok := DecodeWritePayload(partial); ok {
			t.Errorf("decode of %d/%d bytes should be absent", cut, data.Len())
		}
		if _, ok := SignalFrameLength(partial); ok {
			t.Errorf("frame length of %d/%d bytes should be absent", cut, data.Len())
		}
	}
}

func TestSignal_PayloadSharingRoundTrip(t *testing.T) {
	tests := []PayloadSharingData{
		{RSSI: -55, Payloads: []datatype.PayloadData{{1, 2, 3}, {4, 5}}},
		{RSSI: math.MinInt16, Payloads: []datatype.PayloadData{}},
		{RSSI: 0, Payloads: []datatype.PayloadData{{}, bytes.Repeat([]byte{9}, 300)}},
	}
	for _, want := range tests {
		data, ok := EncodeWritePayloadSharing(want)
		if !ok {
			t.Fatalf("EncodeWritePayloadSharing(%v) failed", want)
		}
		if DetectSignalCharacteristicData(data) != SignalCharacteristicDataPayloadSharing {
			t.Fatalf("detect = %v", DetectSignalCharacteristicData(data))
		}
		got, ok := DecodeWritePayloadSharing(data)
		if !ok {
			t.Fatalf("DecodeWritePayloadSharing(%v) failed", want)
		}
		if got.RSSI != want.RSSI || len(got.Payloads) != len(want.Payloads) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want.Payloads {
			if !got.Payloads[i].Equal(want.Payloads[i]) {
				t.Errorf("payload %d differs", i)
			}
		}
		if n, ok := SignalFrameLength(data); !ok || n != data.Len() {
			t.Errorf("SignalFrameLength = %d, %v, want %d", n, ok, data.Len())
		}
		for cut := 0; cut < data.Len(); cut++ {
			if _, ok := DecodeWritePayloadSharing(data[:cut]); ok {
				t.Errorf("decode of %d/%d bytes should be absent", cut, data.Len())
			}
		}
	}
}

func TestSignal_PayloadSharingMalformedEntry(t *testing.T) {
	// Announced list length 3, but the entry inside claims 5 bytes
	data := datatype.Data{0x02, 0xFF, 0xCE, 0x00, 0x03, 0x00, 0x05, 0xAA}
	if _, ok := SignalFrameLength(data); !ok {
		t.Fatal("frame should be complete by its outer length")
	}
	if _, ok := DecodeWritePayloadSharing(data); ok {
		t.Error("overrunning entry should not decode")
	}
}

func TestSignal_ImmediateSendRoundTrip(t *testing.T) {
	for _, want := range []datatype.Data{{}, {0xCA, 0xFE}, bytes.Repeat([]byte{7}, 512)} {
		data, ok := EncodeImmediateSend(want)
		if !ok {
			t.Fatal("EncodeImmediateSend failed")
		}
		if DetectSignalCharacteristicData(data) != SignalCharacteristicDataImmediateSend {
			t.Errorf("detect = %v", DetectSignalCharacteristicData(data))
		}
		got, ok := DecodeImmediateSend(data)
		if !ok || !got.Equal(want) {
			t.Errorf("round trip of %d bytes failed", len(want))
		}
	}
}

func TestSignal_Detect(t *testing.T) {
	tests := []struct {
		data datatype.Data
		want SignalCharacteristicDataType
	}{
		{nil, SignalCharacteristicDataUnknown},
		{datatype.Data{}, SignalCharacteristicDataUnknown},
		{datatype.Data{0x00}, SignalCharacteristicDataRSSI},
		{datatype.Data{0x01}, SignalCharacteristicDataPayload},
		{datatype.Data{0x02}, SignalCharacteristicDataPayloadSharing},
		{datatype.Data{0x03}, SignalCharacteristicDataImmediateSend},
		{datatype.Data{0x04, 0x00}, SignalCharacteristicDataUnknown},
		{datatype.Data{0xFF}, SignalCharacteristicDataUnknown},
	}
	for _, tt := range tests {
		if got := DetectSignalCharacteristicData(tt.data); got != tt.want {
			t.Errorf("Detect(% X) = %v, want %v", []byte(tt.data), got, tt.want)
		}
	}
}

func TestSignal_DecodersRejectOtherKinds(t *testing.T) {
	rssi := EncodeWriteRSSI(-60)
	payload, _ := EncodeWritePayload(datatype.PayloadData{1})

	if _, ok := DecodeWritePayload(rssi); ok {
		t.Error("payload decoder accepted an RSSI frame")
	}
	if _, ok := DecodeWriteRSSI(payload); ok {
		t.Error("RSSI decoder accepted a payload frame")
	}
	if _, ok := DecodeWritePayloadSharing(payload); ok {
		t.Error("sharing decoder accepted a payload frame")
	}
	if _, ok := DecodeImmediateSend(payload); ok {
		t.Error("immediate send decoder accepted a payload frame")
	}
}

func TestSignal_FrameLengthWithTrailingBytes(t *testing.T) {
	first, _ := EncodeWritePayload(datatype.PayloadData{1, 2, 3})
	var stream datatype.Data
	stream.Append(first)
	stream.Append(EncodeWriteRSSI(-70))

	n, ok := SignalFrameLength(stream)
	if !ok || n != first.Len() {
		t.Fatalf("SignalFrameLength = %d, %v, want %d", n, ok, first.Len())
	}
	rest, _ := stream.SubdataFrom(n)
	if rssi, ok := DecodeWriteRSSI(rest); !ok || rssi != -70 {
		t.Errorf("trailing frame decoded as %d, %v", rssi, ok)
	}
}

func TestPayloadList(t *testing.T) {
	want := []datatype.PayloadData{{1}, {2, 2}, {}}
	data, ok := EncodePayloadList(want)
	if !ok {
		t.Fatal("EncodePayloadList failed")
	}
	got, end, ok := DecodePayloadList(data, 0)
	if !ok || end != data.Len() || len(got) != 3 {
		t.Fatalf("DecodePayloadList = %v, %d, %v", got, end, ok)
	}
	empty, _ := EncodePayloadList(nil)
	if !bytes.Equal(empty, []byte{0, 0}) {
		t.Errorf("empty list = % X", []byte(empty))
	}
}
