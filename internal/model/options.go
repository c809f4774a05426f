// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "strings"

// Container is the output format produced by the transcoder.
type Container string

const (
	ContainerTS   Container = "ts"
	ContainerMP4  Container = "mp4"
	ContainerHLS  Container = "hls"
	ContainerFMP4 Container = "fmp4" // HLS with fMP4 segments
)

// ContentType returns the HTTP content type for direct delivery.
func (c Container) ContentType() string {
	switch c {
	case ContainerMP4:
		return "video/mp4"
	default:
		return "video/mp2t"
	}
}

// HWAccel names one accelerator family; the empty value means software only.
type HWAccel string

const (
	HWAccelNone  HWAccel = ""
	HWAccelVAAPI HWAccel = "vaapi"
	HWAccelQSV   HWAccel = "qsv"
	HWAccelNVENC HWAccel = "nvenc"
)

var (
	videoCodecs = set("copy", "h264", "avc", "hevc", "h265", "libx264", "libx265", "mpeg2video")
	audioCodecs = set("copy", "aac", "ac3", "eac3", "mp2", "mp3", "libmp3lame", "opus", "libopus")
	presets     = set("ultrafast", "superfast", "veryfast", "faster", "fast", "medium", "slow", "slower", "veryslow")
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func known(m map[string]struct{}, name string) bool {
	_, ok := m[strings.ToLower(name)]
	return ok
}

// KnownVideoCodec reports whether name is a video codec the transcoder
// arguments support.
func KnownVideoCodec(name string) bool { return known(videoCodecs, name) }

// KnownAudioCodec reports whether name is a supported audio encoder.
func KnownAudioCodec(name string) bool { return known(audioCodecs, name) }

// KnownPreset reports whether name is a software encoder preset.
func KnownPreset(name string) bool { return known(presets, name) }

// TranscodeOptions is the immutable per-session transcoding configuration.
// Empty codec fields mean pass-through ("copy").
type TranscodeOptions struct {
	VideoCodec   string   `json:"video_codec,omitempty" yaml:"video_codec,omitempty"`
	AudioCodec   string   `json:"audio_codec,omitempty" yaml:"audio_codec,omitempty"`
	VideoBitrate string   `json:"video_bitrate,omitempty" yaml:"video_bitrate,omitempty"`
	AudioBitrate string   `json:"audio_bitrate,omitempty" yaml:"audio_bitrate,omitempty"`
	Preset       string   `json:"preset,omitempty" yaml:"preset,omitempty"`
	HWAccel      HWAccel  `json:"hwaccel,omitempty" yaml:"hwaccel,omitempty"`
	ExtraArgs    []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// Copy reports whether video is passed through untouched.
func (o TranscodeOptions) Copy() bool {
	return o.VideoCodec == "" || strings.EqualFold(o.VideoCodec, "copy")
}

// IsZero reports whether no field is set.
func (o TranscodeOptions) IsZero() bool {
	return o.VideoCodec == "" && o.AudioCodec == "" && o.VideoBitrate == "" &&
		o.AudioBitrate == "" && o.Preset == "" && o.HWAccel == "" && len(o.ExtraArgs) == 0
}

// ResolveOptions merges option layers field by field. Earlier layers win:
// pass the request overrides first, then the stored channel preference, then
// the configured default.
func ResolveOptions(layers ...TranscodeOptions) TranscodeOptions {
	var out TranscodeOptions
	for i := len(layers) - 1; i >= 0; i-- {
		l := layers[i]
		if l.VideoCodec != "" {
			out.VideoCodec = l.VideoCodec
		}
		if l.AudioCodec != "" {
			out.AudioCodec = l.AudioCodec
		}
		if l.VideoBitrate != "" {
			out.VideoBitrate = l.VideoBitrate
		}
		if l.AudioBitrate != "" {
			out.AudioBitrate = l.AudioBitrate
		}
		if l.Preset != "" {
			out.Preset = l.Preset
		}
		if l.HWAccel != "" {
			out.HWAccel = l.HWAccel
		}
		if len(l.ExtraArgs) > 0 {
			out.ExtraArgs = append([]string(nil), l.ExtraArgs...)
		}
	}
	return out
}
