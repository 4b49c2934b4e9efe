package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// DeviceIDRegex validates device ID format
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// ViewerIDRegex validates viewer ID format
	ViewerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// MaxSDPLength bounds the size of a negotiation document accepted from a peer.
const MaxSDPLength = 64 * 1024

// ValidateDeviceID validates device ID
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(deviceID) > 100 {
		return fmt.Errorf("device ID is too long (max 100 characters)")
	}
	if !DeviceIDRegex.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

// ValidateViewerID validates viewer ID
func ValidateViewerID(viewerID string) error {
	if viewerID == "" {
		return fmt.Errorf("viewer ID is required")
	}
	if len(viewerID) > 100 {
		return fmt.Errorf("viewer ID is too long (max 100 characters)")
	}
	if !ViewerIDRegex.MatchString(viewerID) {
		return fmt.Errorf("invalid viewer ID format")
	}
	return nil
}

// ValidateDisplayName validates a device display name. Empty is allowed.
func ValidateDisplayName(name string) error {
	if len(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return nil
}

// ValidateSDP checks the mandatory session-level lines of a negotiation document.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) > MaxSDPLength {
		return fmt.Errorf("SDP is too long (max %d bytes)", MaxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
