package probe

import (
	"errors"
	"fmt"
	"strings"
)

// Variant selects which platform lookup rules apply to a set of capabilities.
type Variant string

const (
	// VariantDesktop covers desktop browsers driven through WebDriver or CDP.
	VariantDesktop Variant = "desktop"
	// VariantAndroid covers Android devices and emulators.
	VariantAndroid Variant = "android"
	// VariantIOS covers iOS devices and simulators.
	VariantIOS Variant = "ios"
)

const (
	headlessSuffix  = " [HEADLESS]"
	unknownViewport = "0x0"
)

// ErrPlatformUnknown is returned when no capability identifies the platform.
var ErrPlatformUnknown = errors.New("cannot detect platform from capabilities")

// ErrBrowserVersionUnknown is returned when no capability carries a browser version.
var ErrBrowserVersionUnknown = errors.New(
	"cannot detect browser version, check capabilities version, platformVersion or browserVersion",
)

// Capabilities is the subset of driver capabilities the probe reads.
type Capabilities struct {
	BrowserName       string
	BrowserVersion    string
	Version           string
	Platform          string
	PlatformName      string
	PlatformVersion   string
	DeviceName        string
	DeviceScreenSize  string
	AppiumDeviceName  string
	BStackDeviceName  string
	BStackOSVersion   string
	Headless          bool
	NavigatorPlatform string
	WindowWidth       int
	WindowHeight      int
}

// CapabilitiesFromMap reads WebDriver style capabilities, including the
// vendor prefixed `appium:`, `bstack:options` and `goog:chromeOptions` keys.
func CapabilitiesFromMap(raw map[string]any) Capabilities {
	caps := Capabilities{
		BrowserName:      stringField(raw, "browserName"),
		BrowserVersion:   stringField(raw, "browserVersion"),
		Version:          stringField(raw, "version"),
		Platform:         stringField(raw, "platform"),
		PlatformName:     stringField(raw, "platformName"),
		PlatformVersion:  stringField(raw, "platformVersion"),
		DeviceName:       stringField(raw, "deviceName"),
		DeviceScreenSize: stringField(raw, "deviceScreenSize"),
		AppiumDeviceName: stringField(raw, "appium:deviceName"),
	}
	if bstack, ok := raw["bstack:options"].(map[string]any); ok {
		caps.BStackDeviceName = stringField(bstack, "deviceName")
		caps.BStackOSVersion = stringField(bstack, "osVersion")
	}
	if chrome, ok := raw["goog:chromeOptions"].(map[string]any); ok {
		if args, ok := chrome["args"].([]any); ok {
			for _, arg := range args {
				if text, ok := arg.(string); ok && strings.HasPrefix(strings.TrimSpace(text), "--headless") {
					caps.Headless = true
				}
			}
		}
	}
	return caps
}

// DetectVariant classifies capabilities as desktop, Android or iOS.
func DetectVariant(caps Capabilities) Variant {
	if strings.EqualFold(caps.BrowserName, "android") || strings.EqualFold(caps.PlatformName, "android") {
		return VariantAndroid
	}
	if caps.NavigatorPlatform == "iPhone" ||
		strings.EqualFold(caps.PlatformName, "ios") ||
		caps.BrowserName == "iPhone" {
		return VariantIOS
	}
	return VariantDesktop
}

type lookup func(Capabilities) (string, error)

type variantRules struct {
	viewport    lookup
	platform    lookup
	fullVersion lookup
}

var variants = map[Variant]variantRules{
	VariantDesktop: {
		viewport:    windowViewport,
		platform:    desktopPlatform,
		fullVersion: desktopFullVersion,
	},
	VariantAndroid: {
		viewport:    androidViewport,
		platform:    devicePlatform,
		fullVersion: deviceFullVersion,
	},
	VariantIOS: {
		viewport:    windowViewport,
		platform:    devicePlatform,
		fullVersion: deviceFullVersion,
	},
}

// Prober turns capabilities into an Environment.
type Prober struct {
	envPostfix string
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithEnvPostfix appends `_<postfix>` to the reported platform.
func WithEnvPostfix(postfix string) ProberOption {
	return func(p *Prober) {
		p.envPostfix = strings.TrimSpace(postfix)
	}
}

// NewProber builds a Prober.
func NewProber(options ...ProberOption) *Prober {
	prober := &Prober{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(prober)
	}
	return prober
}

// Probe resolves the environment for caps using the rules of its variant.
func (p *Prober) Probe(caps Capabilities) (Environment, error) {
	variant := DetectVariant(caps)
	rules, ok := variants[variant]
	if !ok {
		return Environment{}, fmt.Errorf("unsupported probe variant %q", variant)
	}

	viewport, err := rules.viewport(caps)
	if err != nil {
		return Environment{}, fmt.Errorf("probe %s viewport: %w", variant, err)
	}
	platform, err := rules.platform(caps)
	if err != nil {
		return Environment{}, fmt.Errorf("probe %s platform: %w", variant, err)
	}
	fullVersion, err := rules.fullVersion(caps)
	if err != nil {
		return Environment{}, fmt.Errorf("probe %s browser version: %w", variant, err)
	}

	browserName := strings.TrimSpace(caps.BrowserName)
	if caps.Headless {
		browserName += headlessSuffix
	}

	return Environment{
		OS:                 p.osName(platform),
		BrowserName:        browserName,
		BrowserVersion:     MajorVersion(fullVersion),
		BrowserFullVersion: fullVersion,
		Viewport:           viewport,
	}, nil
}

func (p *Prober) osName(platform string) string {
	if p != nil && p.envPostfix != "" {
		return platform + "_" + p.envPostfix
	}
	return TransformOS(platform)
}

var osAliases = map[string]string{
	"win32":    "WINDOWS",
	"windows":  "WINDOWS",
	"macintel": "macOS",
}

// TransformOS maps navigator style platform names onto the service's names.
func TransformOS(platform string) string {
	if alias, ok := osAliases[strings.ToLower(platform)]; ok {
		return alias
	}
	return platform
}

// MajorVersion returns the leading dotted component of a version string.
func MajorVersion(fullVersion string) string {
	major, _, _ := strings.Cut(fullVersion, ".")
	return major
}

// FormatViewport renders a width/height pair, or 0x0 when either is unknown.
func FormatViewport(width, height int) string {
	if width <= 0 || height <= 0 {
		return unknownViewport
	}
	return fmt.Sprintf("%dx%d", width, height)
}

func windowViewport(caps Capabilities) (string, error) {
	return FormatViewport(caps.WindowWidth, caps.WindowHeight), nil
}

func androidViewport(caps Capabilities) (string, error) {
	if size := strings.TrimSpace(caps.DeviceScreenSize); size != "" {
		return size, nil
	}
	return windowViewport(caps)
}

func desktopPlatform(caps Capabilities) (string, error) {
	return firstNonEmpty(ErrPlatformUnknown, caps.Platform, caps.NavigatorPlatform)
}

func devicePlatform(caps Capabilities) (string, error) {
	return firstNonEmpty(ErrPlatformUnknown, caps.BStackDeviceName, caps.AppiumDeviceName, caps.DeviceName)
}

func desktopFullVersion(caps Capabilities) (string, error) {
	return firstNonEmpty(ErrBrowserVersionUnknown, caps.BrowserVersion, caps.Version)
}

func deviceFullVersion(caps Capabilities) (string, error) {
	return firstNonEmpty(ErrBrowserVersionUnknown, caps.BStackOSVersion, caps.Version, caps.PlatformVersion)
}

func firstNonEmpty(missing error, values ...string) (string, error) {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	return "", missing
}

func stringField(raw map[string]any, key string) string {
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case fmt.Stringer:
		return strings.TrimSpace(typed.String())
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
