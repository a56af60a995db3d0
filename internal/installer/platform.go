package installer

import "strings"

// NormalizeOS 将常见别名归一为 linux/darwin/windows。
func NormalizeOS(goos string) string {
	switch strings.ToLower(goos) {
	case "darwin", "macos", "osx", "mac":
		return "darwin"
	case "windows", "win32", "win", "win64":
		return "windows"
	case "linux":
		return "linux"
	default:
		return strings.ToLower(goos)
	}
}

// NormalizeArch 将常见别名归一为 amd64/arm64。
func NormalizeArch(goarch string) string {
	switch strings.ToLower(goarch) {
	case "amd64", "x86_64", "x64":
		return "amd64"
	case "arm64", "aarch64", "armv8":
		return "arm64"
	default:
		return strings.ToLower(goarch)
	}
}
