// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/tvrelay/internal/model"
)

// ErrInvalidSpec is returned when a Spec cannot be turned into a safe argv.
var ErrInvalidSpec = errors.New("invalid transcode spec")

const (
	defaultSegmentSeconds = 4
	defaultListSize       = 6
	defaultAudioBitrate   = "192k"
	vaapiDevice           = "/dev/dri/renderD128"

	// PlaylistName is the playlist file written into the HLS output directory.
	PlaylistName = "index.m3u8"
)

// HLSOutput describes where segmented output goes.
type HLSOutput struct {
	Dir            string
	SegmentSeconds int
	ListSize       int
}

// Playlist returns the absolute playlist path.
func (h HLSOutput) Playlist() string { return filepath.Join(h.Dir, PlaylistName) }

// Spec is everything needed to launch one transcoder for one candidate.
type Spec struct {
	ChannelID   string
	CandidateID string

	Input     string
	UserAgent string
	Referer   string

	Container model.Container
	Options   model.TranscodeOptions
	HLS       HLSOutput

	// LogLevel is passed to -loglevel; defaults to "warning".
	LogLevel string
}

// Segmented reports whether the spec writes HLS files instead of stdout.
func (s Spec) Segmented() bool {
	return s.Container == model.ContainerHLS || s.Container == model.ContainerFMP4
}

func (s Spec) validate() error {
	if s.Input == "" {
		return fmt.Errorf("%w: missing input", ErrInvalidSpec)
	}
	// An input starting with "-" would be parsed as an option.
	if strings.HasPrefix(s.Input, "-") {
		return fmt.Errorf("%w: input looks like a flag", ErrInvalidSpec)
	}
	if strings.ContainsAny(s.UserAgent, "\r\n") || strings.ContainsAny(s.Referer, "\r\n") {
		return fmt.Errorf("%w: header value contains line break", ErrInvalidSpec)
	}
	switch s.Container {
	case model.ContainerTS, model.ContainerMP4:
	case model.ContainerHLS, model.ContainerFMP4:
		if s.HLS.Dir == "" {
			return fmt.Errorf("%w: missing hls output dir", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown container %q", ErrInvalidSpec, s.Container)
	}
	switch s.Options.HWAccel {
	case model.HWAccelNone, model.HWAccelVAAPI, model.HWAccelQSV, model.HWAccelNVENC:
	default:
		return fmt.Errorf("%w: unknown hwaccel %q", ErrInvalidSpec, s.Options.HWAccel)
	}
	return nil
}

// BuildArgs constructs the ffmpeg argv for spec. The result is passed to exec
// directly; no shell is involved.
func BuildArgs(s Spec) ([]string, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	level := s.LogLevel
	if level == "" {
		level = "warning"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", level,
		// Progress lines carry speed=; the scanner depends on them.
		"-stats",
		"-stats_period", "1",
	}

	args = append(args, hwDeviceArgs(s.Options)...)
	args = append(args, inputArgs(s)...)
	args = append(args,
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-sn", "-dn",
	)
	args = append(args, videoArgs(s.Options)...)
	args = append(args, audioArgs(s.Options)...)
	args = append(args, s.Options.ExtraArgs...)
	args = append(args, outputArgs(s)...)
	return args, nil
}

func hwDeviceArgs(o model.TranscodeOptions) []string {
	if o.Copy() {
		return nil
	}
	switch o.HWAccel {
	case model.HWAccelVAAPI:
		return []string{"-init_hw_device", "vaapi=gpu:" + vaapiDevice, "-filter_hw_device", "gpu"}
	case model.HWAccelQSV:
		return []string{"-init_hw_device", "qsv=hw", "-filter_hw_device", "hw"}
	case model.HWAccelNVENC:
		return []string{"-hwaccel", "cuda"}
	}
	return nil
}

func inputArgs(s Spec) []string {
	args := []string{
		"-fflags", "+genpts+discardcorrupt",
		"-analyzeduration", "2000000",
		"-probesize", "5000000",
	}
	if isHTTP(s.Input) {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_on_network_error", "1",
			"-reconnect_delay_max", "5",
			"-rw_timeout", "10000000",
		)
		if s.UserAgent != "" {
			args = append(args, "-user_agent", s.UserAgent)
		}
		if s.Referer != "" {
			args = append(args, "-headers", "Referer: "+s.Referer+"\r\n")
		}
	}
	return append(args, "-i", s.Input)
}

func isHTTP(u string) bool {
	l := strings.ToLower(u)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// videoEncoder maps a generic codec name onto the encoder of the selected
// accelerator family.
func videoEncoder(o model.TranscodeOptions) string {
	codec := strings.ToLower(o.VideoCodec)
	hevc := codec == "hevc" || codec == "h265" || codec == "libx265"
	switch o.HWAccel {
	case model.HWAccelVAAPI:
		if hevc {
			return "hevc_vaapi"
		}
		return "h264_vaapi"
	case model.HWAccelQSV:
		if hevc {
			return "hevc_qsv"
		}
		return "h264_qsv"
	case model.HWAccelNVENC:
		if hevc {
			return "hevc_nvenc"
		}
		return "h264_nvenc"
	}
	switch codec {
	case "h264", "avc":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	}
	return o.VideoCodec
}

func videoArgs(o model.TranscodeOptions) []string {
	if o.Copy() {
		return []string{"-c:v", "copy"}
	}

	args := []string{"-c:v", videoEncoder(o)}
	switch o.HWAccel {
	case model.HWAccelVAAPI:
		args = append(args, "-vf", "format=nv12,hwupload")
	case model.HWAccelQSV:
		args = append(args, "-vf", "format=nv12,hwupload=extra_hw_frames=64")
	case model.HWAccelNVENC:
	default:
		preset := o.Preset
		if preset == "" {
			preset = "veryfast"
		}
		args = append(args, "-preset", preset, "-pix_fmt", "yuv420p")
	}
	if o.VideoBitrate != "" {
		args = append(args, "-b:v", o.VideoBitrate, "-maxrate", o.VideoBitrate, "-bufsize", o.VideoBitrate)
	}
	// Keyframe every 2s at 25/50fps keeps segment boundaries aligned.
	return append(args, "-g", "50", "-keyint_min", "50", "-sc_threshold", "0")
}

func audioArgs(o model.TranscodeOptions) []string {
	codec := strings.ToLower(o.AudioCodec)
	if codec == "" || codec == "copy" {
		return []string{"-c:a", "copy"}
	}
	bitrate := o.AudioBitrate
	if bitrate == "" {
		bitrate = defaultAudioBitrate
	}
	return []string{
		"-c:a", o.AudioCodec,
		"-b:a", bitrate,
		"-ac", "2",
		"-af", "aresample=async=1:first_pts=0",
	}
}

func outputArgs(s Spec) []string {
	switch s.Container {
	case model.ContainerMP4:
		return []string{
			"-f", "mp4",
			"-movflags", "frag_keyframe+empty_moov+default_base_moof",
			"pipe:1",
		}
	case model.ContainerHLS, model.ContainerFMP4:
		return hlsArgs(s)
	}
	return []string{
		"-f", "mpegts",
		"-mpegts_flags", "+resend_headers",
		"-flush_packets", "1",
		"pipe:1",
	}
}

func hlsArgs(s Spec) []string {
	segSec := s.HLS.SegmentSeconds
	if segSec <= 0 {
		segSec = defaultSegmentSeconds
	}
	listSize := s.HLS.ListSize
	if listSize <= 0 {
		listSize = defaultListSize
	}

	ext := ".ts"
	args := []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(segSec),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", "append_list+delete_segments+omit_endlist+temp_file+independent_segments+discont_start",
		"-hls_delete_threshold", "2",
	}
	if s.Container == model.ContainerFMP4 {
		ext = ".m4s"
		args = append(args,
			"-hls_segment_type", "fmp4",
			"-hls_fmp4_init_filename", "init.mp4",
		)
	}
	return append(args,
		"-hls_segment_filename", filepath.Join(s.HLS.Dir, "seg_%06d"+ext),
		s.HLS.Playlist(),
	)
}
