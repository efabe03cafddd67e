package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		caps    Capabilities
		options []ProberOption
		variant Variant
		want    Environment
	}{
		{
			name: "desktop chrome headless",
			caps: Capabilities{
				BrowserName:       "chrome",
				BrowserVersion:    "120.0.6099.109",
				NavigatorPlatform: "MacIntel",
				Headless:          true,
				WindowWidth:       1366,
				WindowHeight:      768,
			},
			variant: VariantDesktop,
			want: Environment{
				OS:                 "macOS",
				BrowserName:        "chrome [HEADLESS]",
				BrowserVersion:     "120",
				BrowserFullVersion: "120.0.6099.109",
				Viewport:           "1366x768",
			},
		},
		{
			name: "desktop capability platform wins over navigator",
			caps: Capabilities{
				BrowserName:       "firefox",
				Version:           "118",
				Platform:          "win32",
				NavigatorPlatform: "Linux x86_64",
			},
			variant: VariantDesktop,
			want: Environment{
				OS:                 "WINDOWS",
				BrowserName:        "firefox",
				BrowserVersion:     "118",
				BrowserFullVersion: "118",
				Viewport:           "0x0",
			},
		},
		{
			name: "android uses device screen size and device name",
			caps: Capabilities{
				BrowserName:      "chrome",
				PlatformName:     "Android",
				DeviceScreenSize: "1080x2340",
				AppiumDeviceName: "Pixel 7",
				PlatformVersion:  "14",
			},
			variant: VariantAndroid,
			want: Environment{
				OS:                 "Pixel 7",
				BrowserName:        "chrome",
				BrowserVersion:     "14",
				BrowserFullVersion: "14",
				Viewport:           "1080x2340",
			},
		},
		{
			name: "ios prefers browserstack options",
			caps: Capabilities{
				BrowserName:      "safari",
				PlatformName:     "iOS",
				BStackDeviceName: "iPhone 15",
				BStackOSVersion:  "17.2",
				DeviceName:       "ignored",
				WindowWidth:      393,
				WindowHeight:     852,
			},
			options: []ProberOption{WithEnvPostfix("staging")},
			variant: VariantIOS,
			want: Environment{
				OS:                 "iPhone 15_staging",
				BrowserName:        "safari",
				BrowserVersion:     "17",
				BrowserFullVersion: "17.2",
				Viewport:           "393x852",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.variant, DetectVariant(tt.caps))
			got, err := NewProber(tt.options...).Probe(tt.caps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectVariantIgnoresAndroidCase(t *testing.T) {
	t.Parallel()

	for _, caps := range []Capabilities{
		{BrowserName: "android"},
		{BrowserName: "Android"},
		{PlatformName: "ANDROID"},
		{PlatformName: "android", BrowserName: "chrome"},
	} {
		assert.Equal(t, VariantAndroid, DetectVariant(caps), "caps %+v", caps)
	}
	assert.Equal(t, VariantDesktop, DetectVariant(Capabilities{BrowserName: "androidx"}))
}

func TestProbeMissingValues(t *testing.T) {
	t.Parallel()

	_, err := NewProber().Probe(Capabilities{BrowserName: "chrome", NavigatorPlatform: "Linux"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrowserVersionUnknown))

	_, err = NewProber().Probe(Capabilities{PlatformName: "Android", Version: "13"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlatformUnknown))
}

func TestCapabilitiesFromMap(t *testing.T) {
	t.Parallel()

	caps := CapabilitiesFromMap(map[string]any{
		"browserName":       "chrome",
		"browserVersion":    "121.0.1",
		"platformName":      "Android",
		"appium:deviceName": "emulator-5554",
		"bstack:options": map[string]any{
			"deviceName": "Samsung Galaxy S23",
			"osVersion":  "13.0",
		},
		"goog:chromeOptions": map[string]any{
			"args": []any{"--window-size=1280,800", "--headless=new"},
		},
	})

	assert.Equal(t, "chrome", caps.BrowserName)
	assert.Equal(t, "121.0.1", caps.BrowserVersion)
	assert.Equal(t, "emulator-5554", caps.AppiumDeviceName)
	assert.Equal(t, "Samsung Galaxy S23", caps.BStackDeviceName)
	assert.Equal(t, "13.0", caps.BStackOSVersion)
	assert.True(t, caps.Headless)
}

func TestTransformOSAndMajorVersion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "WINDOWS", TransformOS("Win32"))
	assert.Equal(t, "WINDOWS", TransformOS("windows"))
	assert.Equal(t, "macOS", TransformOS("MacIntel"))
	assert.Equal(t, "Linux x86_64", TransformOS("Linux x86_64"))

	assert.Equal(t, "120", MajorVersion("120.0.6099.109"))
	assert.Equal(t, "17", MajorVersion("17"))
	assert.Equal(t, "", MajorVersion(""))
}

func TestEnvironmentMergeKeepsBaseForEmptyOverrides(t *testing.T) {
	t.Parallel()

	base := Environment{OS: "Linux", BrowserName: "chrome", BrowserVersion: "120", BrowserFullVersion: "120.1", Viewport: "800x600"}
	merged := base.Merge(Environment{Viewport: "1024x768", OS: "  "})

	assert.Equal(t, "1024x768", merged.Viewport)
	assert.Equal(t, "Linux", merged.OS)
	assert.Equal(t, "800x600", base.Viewport, "merge must not mutate the receiver")

	env, err := Static(merged).Environment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, merged, env)
}
