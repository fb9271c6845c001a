package audio

import (
	"bytes"
	"testing"
)

func TestResampleMono16_SameRatePassthrough(t *testing.T) {
	t.Parallel()
	in := int16sToBytes([]int16{100, 200, 300})
	got := ResampleMono16(in, 16000, 16000)
	if !bytes.Equal(got, in) {
		t.Errorf("same-rate resample modified data")
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	// 24 kHz → 16 kHz should keep 2/3 of the samples.
	in := make([]int16, 240)
	for i := range in {
		in[i] = int16(i)
	}
	got := ResampleMono16(int16sToBytes(in), 24000, 16000)
	if want := 160 * 2; len(got) != want {
		t.Errorf("downsampled length = %d bytes; want %d", len(got), want)
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	in := make([]int16, 160)
	got := ResampleMono16(int16sToBytes(in), 16000, 24000)
	if want := 240 * 2; len(got) != want {
		t.Errorf("upsampled length = %d bytes; want %d", len(got), want)
	}
}

func TestConverter_DropsMisalignedChunk(t *testing.T) {
	t.Parallel()
	c := &Converter{TargetRate: 16000}
	if got := c.Convert([]byte{1, 2, 3}, 24000); got != nil {
		t.Errorf("Convert(odd bytes) = %v; want nil", got)
	}
}

func TestConverter_Passthrough(t *testing.T) {
	t.Parallel()
	c := &Converter{TargetRate: 24000}
	in := int16sToBytes([]int16{1, 2, 3, 4})
	if got := c.Convert(in, 24000); !bytes.Equal(got, in) {
		t.Errorf("matching-rate Convert modified data")
	}
}

func TestInt16RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{-32768, -1, 0, 1, 32767}
	got := bytesToInt16s(int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("round trip length = %d; want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], in[i])
		}
	}
}
