package core

import (
	"runtime/debug"
	"testing"
)

func TestResolveVersion(t *testing.T) {
	withSettings := func(main string, settings ...debug.BuildSetting) *debug.BuildInfo {
		info := &debug.BuildInfo{Settings: settings}
		info.Main.Version = main
		return info
	}

	tests := []struct {
		name string
		info *debug.BuildInfo
		ok   bool
		want string
	}{
		{
			name: "no build info",
			ok:   false,
			want: "devel",
		},
		{
			name: "tagged module version",
			info: withSettings("v0.4.2"),
			ok:   true,
			want: "v0.4.2",
		},
		{
			name: "pseudo-version falls back to revision",
			info: withSettings("v0.0.0-20260217105831-82903d1d8810",
				debug.BuildSetting{Key: "vcs.revision", Value: "82903d1d8810aa55"}),
			ok:   true,
			want: "devel-82903d1",
		},
		{
			name: "dirty working tree",
			info: withSettings("(devel)",
				debug.BuildSetting{Key: "vcs.revision", Value: "ad721b3c0ffee"},
				debug.BuildSetting{Key: "vcs.modified", Value: "true"}),
			ok:   true,
			want: "devel-ad721b3-dirty",
		},
		{
			name: "short revision kept whole",
			info: withSettings("", debug.BuildSetting{Key: "vcs.revision", Value: "abc12"}),
			ok:   true,
			want: "devel-abc12",
		},
		{
			name: "no revision",
			info: withSettings("(devel)"),
			ok:   true,
			want: "devel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveVersion(tt.info, tt.ok); got != tt.want {
				t.Errorf("resolveVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatVersion(t *testing.T) {
	tests := map[string]string{
		"v1.12.0":             "1.12.0",
		"1.12.0":              "1.12.0",
		"devel-ad721b3-dirty": "devel-ad721b3-dirty",
		"devel":               "devel",
	}
	for in, want := range tests {
		if got := FormatVersion(in); got != want {
			t.Errorf("FormatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPseudoVersion(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"v0.0.0-20260217105831-82903d1d8810", true},
		{"v0.0.0-20260217105831-82903d1d8810+dirty", true},
		{"v1.12.1-0.20260217105831-82903d1d8810", true},
		{"v1.12.0", false},
		{"v2.0.0-rc1", false},
		{"v2.0.0-ABCDEF123456", false},
		{"(devel)", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := isPseudoVersion(tt.input); got != tt.want {
				t.Errorf("isPseudoVersion(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
