package domain

type Platform string

const (
	PlatformUnknown Platform = ""
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform maps loose user input ("Android", "iOS", "ios-sim") onto a Platform.
func ParsePlatform(s string) Platform {
	switch s {
	case "android", "Android", "ANDROID":
		return PlatformAndroid
	case "ios", "iOS", "IOS", "ios-sim", "ios-simulator":
		return PlatformIOS
	default:
		return PlatformUnknown
	}
}
