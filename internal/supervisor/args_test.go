// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tvrelay/internal/model"
)

// valueAfter returns the argv element following flag, or "".
func valueAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildArgs_DirectTSCopy(t *testing.T) {
	url := "http://upstream/live/1.ts?token=a&b=$(id)"
	args, err := BuildArgs(Spec{
		Input:     url,
		UserAgent: "VLC/3.0",
		Referer:   "http://portal/",
		Container: model.ContainerTS,
	})
	require.NoError(t, err)

	assert.Equal(t, url, valueAfter(args, "-i"), "URL stays one argv element")
	assert.Equal(t, "VLC/3.0", valueAfter(args, "-user_agent"))
	assert.Equal(t, "Referer: http://portal/\r\n", valueAfter(args, "-headers"))
	assert.Equal(t, "1", valueAfter(args, "-reconnect"))
	assert.Equal(t, "copy", valueAfter(args, "-c:v"))
	assert.Equal(t, "copy", valueAfter(args, "-c:a"))
	assert.Equal(t, "mpegts", valueAfter(args, "-f"))
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.Contains(t, args, "-stats")
}

func TestBuildArgs_Deterministic(t *testing.T) {
	spec := Spec{
		Input:     "http://upstream/a",
		Container: model.ContainerMP4,
		Options:   model.TranscodeOptions{VideoCodec: "h264", AudioCodec: "aac", VideoBitrate: "3M"},
	}
	a, err := BuildArgs(spec)
	require.NoError(t, err)
	b, err := BuildArgs(spec)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildArgs_MP4Reencode(t *testing.T) {
	args, err := BuildArgs(Spec{
		Input:     "/srv/in.ts",
		Container: model.ContainerMP4,
		Options:   model.TranscodeOptions{VideoCodec: "h264", AudioCodec: "aac", VideoBitrate: "3M", Preset: "fast"},
	})
	require.NoError(t, err)

	assert.Equal(t, "libx264", valueAfter(args, "-c:v"))
	assert.Equal(t, "fast", valueAfter(args, "-preset"))
	assert.Equal(t, "3M", valueAfter(args, "-b:v"))
	assert.Equal(t, "aac", valueAfter(args, "-c:a"))
	assert.Equal(t, "192k", valueAfter(args, "-b:a"))
	assert.Equal(t, "frag_keyframe+empty_moov+default_base_moof", valueAfter(args, "-movflags"))
	assert.NotContains(t, args, "-reconnect", "local input gets no http flags")
}

func TestBuildArgs_HWAccel(t *testing.T) {
	tests := []struct {
		accel   model.HWAccel
		codec   string
		encoder string
	}{
		{model.HWAccelVAAPI, "h264", "h264_vaapi"},
		{model.HWAccelVAAPI, "hevc", "hevc_vaapi"},
		{model.HWAccelQSV, "h264", "h264_qsv"},
		{model.HWAccelNVENC, "h265", "hevc_nvenc"},
	}
	for _, tt := range tests {
		t.Run(string(tt.accel)+"/"+tt.codec, func(t *testing.T) {
			args, err := BuildArgs(Spec{
				Input:     "http://u/a",
				Container: model.ContainerTS,
				Options:   model.TranscodeOptions{VideoCodec: tt.codec, HWAccel: tt.accel},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.encoder, valueAfter(args, "-c:v"))
			assert.NotContains(t, args, "-preset")
		})
	}

	// Copy never touches the device.
	args, err := BuildArgs(Spec{
		Input:     "http://u/a",
		Container: model.ContainerTS,
		Options:   model.TranscodeOptions{HWAccel: model.HWAccelVAAPI},
	})
	require.NoError(t, err)
	assert.NotContains(t, args, "-init_hw_device")
}

func TestBuildArgs_HLS(t *testing.T) {
	dir := t.TempDir()
	args, err := BuildArgs(Spec{
		Input:     "http://u/a",
		Container: model.ContainerHLS,
		HLS:       HLSOutput{Dir: dir, SegmentSeconds: 2, ListSize: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "hls", valueAfter(args, "-f"))
	assert.Equal(t, "2", valueAfter(args, "-hls_time"))
	assert.Equal(t, "5", valueAfter(args, "-hls_list_size"))
	assert.Equal(t, filepath.Join(dir, "seg_%06d.ts"), valueAfter(args, "-hls_segment_filename"))
	assert.Equal(t, filepath.Join(dir, PlaylistName), args[len(args)-1])

	args, err = BuildArgs(Spec{Input: "http://u/a", Container: model.ContainerFMP4, HLS: HLSOutput{Dir: dir}})
	require.NoError(t, err)
	assert.Equal(t, "fmp4", valueAfter(args, "-hls_segment_type"))
	assert.Equal(t, filepath.Join(dir, "seg_%06d.m4s"), valueAfter(args, "-hls_segment_filename"))
	assert.Equal(t, "4", valueAfter(args, "-hls_time"))
}

func TestBuildArgs_Rejects(t *testing.T) {
	cases := map[string]Spec{
		"empty input":     {Container: model.ContainerTS},
		"flag input":      {Input: "-f lavfi", Container: model.ContainerTS},
		"header newline":  {Input: "http://u", UserAgent: "a\r\nX-Evil: 1", Container: model.ContainerTS},
		"unknown format":  {Input: "http://u", Container: "avi"},
		"hls without dir": {Input: "http://u", Container: model.ContainerHLS},
		"unknown hwaccel": {Input: "http://u", Container: model.ContainerTS, Options: model.TranscodeOptions{HWAccel: "metal"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildArgs(spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestParseStats(t *testing.T) {
	st, ok := ParseStats("frame=  123 fps= 25 q=28.0 size=    1234kB time=00:01:12.50 bitrate= 800.0kbits/s speed=0.87x")
	require.True(t, ok)
	assert.Equal(t, 123, st.Frame)
	assert.InDelta(t, 25.0, st.FPS, 0.001)
	assert.InDelta(t, 800.0, st.BitrateKBPS, 0.001)
	assert.Equal(t, 72500*time.Millisecond, st.Time)
	assert.True(t, st.HasSpeed)
	assert.InDelta(t, 0.87, st.Speed, 0.001)

	st, ok = ParseStats("size=N/A time=00:00:00.00 bitrate=N/A speed=N/A")
	require.True(t, ok)
	assert.False(t, st.HasSpeed)

	_, ok = ParseStats("[hls @ 0x55] Opening 'seg_000001.ts' for writing")
	assert.False(t, ok)
}

func TestSpeedTracker(t *testing.T) {
	tr := NewSpeedTracker(0, 0)
	assert.InDelta(t, DefaultSpeedThreshold, tr.Threshold, 0.0001)
	assert.Equal(t, DefaultSpeedStrikes, tr.Strikes)

	_, hit := tr.Observe(0.5, "")
	assert.False(t, hit)
	_, hit = tr.Observe(0.5, "")
	assert.False(t, hit)
	// A healthy reading resets the streak.
	_, hit = tr.Observe(1.0, "")
	assert.False(t, hit)

	for i := 0; i < 2; i++ {
		_, hit = tr.Observe(0.8, "")
		assert.False(t, hit)
	}
	sig, hit := tr.Observe(0.7, "speed=0.7x")
	require.True(t, hit)
	assert.Equal(t, SignalLowSpeed, sig.Kind)
	assert.Equal(t, 3, sig.Strikes)
	assert.Equal(t, model.RLowSpeed, sig.Reason())
	assert.ErrorIs(t, sig.Err(), model.ErrLowSpeed)

	// Counting starts over after a signal.
	_, hit = tr.Observe(0.7, "")
	assert.False(t, hit)
}

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)
	assert.Empty(t, r.LastN(5))
	r.Add("a")
	r.Add("")
	r.Add("b")
	assert.Equal(t, []string{"a", "b"}, r.LastN(5))
	r.Add("c")
	r.Add("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.LastN(3))
	assert.Equal(t, []string{"d"}, r.LastN(1))
}

func TestScanLines_CarriageReturn(t *testing.T) {
	data := []byte("speed=1.0x\rspeed=0.5x\nrest")
	adv, tok, err := scanLines(data, false)
	require.NoError(t, err)
	assert.Equal(t, "speed=1.0x", string(tok))
	data = data[adv:]
	adv, tok, _ = scanLines(data, false)
	assert.Equal(t, "speed=0.5x", string(tok))
	data = data[adv:]
	adv, tok, _ = scanLines(data, false)
	assert.Equal(t, 0, adv)
	assert.Nil(t, tok)
	_, tok, _ = scanLines(data, true)
	assert.Equal(t, "rest", string(tok))
}
